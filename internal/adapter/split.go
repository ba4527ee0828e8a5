package adapter

import "bytes"

// SplitFrames separates JSON objects that arrived glued together in one
// websocket frame ("{...}{...}"). Anything that is not a sequence of objects,
// such as a bare "pong", is returned unchanged as a single frame.
func SplitFrames(data []byte) [][]byte {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] != '{' {
		return [][]byte{trimmed}
	}

	var (
		frames   [][]byte
		depth    int
		start    = -1
		inString bool
		escaped  bool
	)
	for i, c := range trimmed {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				frames = append(frames, trimmed[start:i+1])
				start = -1
			}
			if depth < 0 {
				return [][]byte{trimmed}
			}
		}
	}
	if depth != 0 || len(frames) == 0 {
		return [][]byte{trimmed}
	}
	return frames
}
