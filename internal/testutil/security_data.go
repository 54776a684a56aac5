package testutil

// EscapingPath is a slash-separated name that must not resolve inside the
// directory it is joined to.
type EscapingPath struct{ Name, Path string }

// EscapingPaths returns fresh path escape vectors in the slash form used by
// zip entry names and bundle manifests.
func EscapingPaths() []EscapingPath {
	return []EscapingPath{
		{"absolute", "/etc/passwd"},
		{"parent", "../escape.txt"},
		{"nested parent", "media/../../escape.txt"},
		{"bare parent", ".."},
		{"backslash parent", `media\..\..\escape.txt`},
		{"empty", ""},
	}
}
