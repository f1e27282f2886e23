// Package dispatch pushes search state changes to clients: websocket
// subscribers through the Hub and an external endpoint through the Webhook.
// Both implement session.Observer.
package dispatch

import (
	"time"

	"github.com/example/proximity-matching/internal/models"
)

// Notification is the payload delivered for a search state change.
type Notification struct {
	RequestID   string              `json:"requestId"`
	RequesterID string              `json:"requesterId"`
	Status      models.SearchStatus `json:"status"`
	Failure     string              `json:"failure,omitempty"`
	Results     []models.Match      `json:"results,omitempty"`
	At          time.Time           `json:"at"`
}

func NewNotification(req models.SearchRequest, at time.Time) Notification {
	return Notification{
		RequestID:   req.ID,
		RequesterID: req.RequesterID,
		Status:      req.Status,
		Failure:     req.Failure,
		Results:     req.Results,
		At:          at,
	}
}
