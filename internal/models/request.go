package models

// ChatRequest is the JSON body posted to the chat stream endpoint.
type ChatRequest struct {
	Message           string         `json:"message"`
	ConversationID    string         `json:"conversation_id,omitempty"`
	UserID            string         `json:"user_id,omitempty"`
	Stream            bool           `json:"stream"`
	VulnerabilityData *Vulnerability `json:"vulnerability_data,omitempty"`
	Inputs            map[string]any `json:"inputs,omitempty"`
}
