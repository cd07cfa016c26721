package models

// Profile is public data gathered about an Instagram account. Counts are kept
// as displayed ("1.2k") since the source formats them for humans.
type Profile struct {
	Username        string   `json:"username"`
	FullName        string   `json:"full_name,omitempty"`
	Bio             string   `json:"bio,omitempty"`
	Followers       string   `json:"followers,omitempty"`
	Following       string   `json:"following,omitempty"`
	Posts           string   `json:"posts,omitempty"`
	ProfileImageURL string   `json:"profile_image_url,omitempty"`
	ExternalLink    string   `json:"external_link,omitempty"`
	Location        string   `json:"location,omitempty"`
	Hashtags        []string `json:"hashtags,omitempty"`
	Themes          []string `json:"themes,omitempty"`
}

// IsEmpty reports whether nothing beyond the username is known.
func (p *Profile) IsEmpty() bool {
	if p == nil {
		return true
	}
	return p.FullName == "" && p.Bio == "" && p.Followers == "" && p.Posts == "" &&
		p.ExternalLink == "" && len(p.Hashtags) == 0
}

// HasContent reports whether there is enough text to infer themes from.
func (p *Profile) HasContent() bool {
	return p != nil && (p.Bio != "" || len(p.Hashtags) > 0 || p.ExternalLink != "")
}
