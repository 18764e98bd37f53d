// Package voice holds the voice model catalog and the speech
// synthesizer used for prompt previews. Sessions reference models by
// catalog id; each provider variant maps the id to its own voice name.
package voice

// Model is one selectable synthesis voice.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Language    string `json:"language"`
	Gender      string `json:"gender"`
	// PollyVoiceID is the Amazon Polly voice used for previews.
	PollyVoiceID string `json:"-"`
}

var catalog = []Model{
	{ID: "hera", DisplayName: "Hera", Language: "en-US", Gender: "female", PollyVoiceID: "Joanna"},
	{ID: "aria", DisplayName: "Aria", Language: "en-GB", Gender: "female", PollyVoiceID: "Amy"},
	{ID: "apollo", DisplayName: "Apollo", Language: "en-US", Gender: "male", PollyVoiceID: "Matthew"},
	{ID: "zeus", DisplayName: "Zeus", Language: "en-GB", Gender: "male", PollyVoiceID: "Brian"},
}

// Models returns the catalog in presentation order.
func Models() []Model {
	out := make([]Model, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the model for a catalog id.
func Lookup(id string) (Model, bool) {
	for _, m := range catalog {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// Default returns the model used when a session does not pick one.
func Default() Model {
	return catalog[0]
}

// Resolve returns the model for id, falling back to the default for an
// empty or unknown id.
func Resolve(id string) Model {
	if m, ok := Lookup(id); ok {
		return m
	}
	return Default()
}
