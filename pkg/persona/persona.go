// Package persona loads agent persona specifications from YAML files.
// A persona fixes the character the response generator speaks as: its
// system prompt, greeting, fallback lines, and synthesis voice.
package persona

import "fmt"

// Spec is a YAML-mappable persona definition.
type Spec struct {
	Name        string `yaml:"name"         json:"name"`
	Description string `yaml:"description"  json:"description,omitempty"`
	VoiceID     string `yaml:"voice_id"     json:"voice_id"`
	SystemStyle string `yaml:"system_style" json:"system_style"`
	Greeting    string `yaml:"greeting"     json:"greeting"`
	Apology     string `yaml:"apology"      json:"apology"`
	MaxReplyLen int    `yaml:"max_reply_len" json:"max_reply_len,omitempty"`
}

// Validate checks the spec for the fields the pipeline depends on.
func (s *Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("persona: name is required")
	}
	if s.SystemStyle == "" {
		return fmt.Errorf("persona %q: system_style is required", s.Name)
	}
	if s.Apology == "" {
		return fmt.Errorf("persona %q: apology is required", s.Name)
	}
	return nil
}

// Default returns the built-in claims-assistant persona used when no
// persona directory is configured.
func Default() *Spec {
	return &Spec{
		Name:    "claims-assistant",
		VoiceID: "21m00Tcm4TlvDq8ikWAM",
		SystemStyle: "You are a friendly and professional insurance claims assistant. " +
			"Respond only from the structured claim data you are given. " +
			"If a single claim is found, confirm it using the customer's name and policy ID. " +
			"If multiple claims are found, state the number and ask for a policy ID. " +
			"If no claims are found, say so politely and suggest rephrasing. " +
			"Never invent information. Keep responses concise and natural.",
		Greeting: "Hello, you've reached the claims line. How can I help you today?",
		Apology:  "I'm sorry, I ran into a technical issue. Could you say that again?",
	}
}
