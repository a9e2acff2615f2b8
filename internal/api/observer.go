package api

import (
	"encoding/json"
	"log"

	"github.com/rawblock/householdiq-aggregator/pkg/models"
)

// HubObserver adapts bridging.Observer onto the websocket Hub,
// broadcasting every committed bridging decision to connected dashboard
// clients.
type HubObserver struct {
	hub *Hub
}

// NewHubObserver constructs an Observer that broadcasts onto hub.
func NewHubObserver(hub *Hub) *HubObserver {
	return &HubObserver{hub: hub}
}

// OnBridgingUpdate marshals the decision and broadcasts it to every
// connected client.
func (o *HubObserver) OnBridgingUpdate(d models.BridgingDecision) {
	raw, err := json.Marshal(d)
	if err != nil {
		log.Printf("[observer] failed to marshal bridging decision: %v", err)
		return
	}
	o.hub.Broadcast(raw)
}
