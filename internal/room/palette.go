package room

// DefaultPalette is the fixed set of collaborator colors. The first unused
// color is assigned on join; once all ten are taken, new collaborators fall
// back to the first color.
var DefaultPalette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F39C12", "#E74C3C", "#9B59B6",
}

// NextColor picks the first palette color not held by any collaborator.
func NextColor(palette []string, collaborators []Collaborator) string {
	if len(palette) == 0 {
		return ""
	}
	used := make(map[string]bool, len(collaborators))
	for _, c := range collaborators {
		used[c.Color] = true
	}
	for _, color := range palette {
		if !used[color] {
			return color
		}
	}
	return palette[0]
}
