// Package api provides the HTTP control surface for the bridge.
package api

// SendMessageRequest asks the bridge to send a message out over a channel.
// Either Text or FilePath must be set.
type SendMessageRequest struct {
	Channel  string `json:"channel" binding:"required"`
	PeerID   string `json:"peer_id" binding:"required"`
	Text     string `json:"text"`
	FilePath string `json:"file_path"`
	Caption  string `json:"caption"`
}
