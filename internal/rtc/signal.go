package rtc

import (
	"context"
	"fmt"

	"github.com/petervdpas/infinitchat/internal/store"
)

const (
	signalOffer  = "call-offer"
	signalAnswer = "call-answer"
	signalHangup = "call-hangup"
)

// signal is one document in the signals collection.
type signal struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	To       string `json:"to"`
	CallID   string `json:"callId"`
	CallType string `json:"callType,omitempty"`
	SDP      string `json:"sdp,omitempty"`
	Created  int64  `json:"createdAt,omitempty"`
}

func (s signal) fields() store.Fields {
	f := store.Fields{
		"type":      s.Type,
		"from":      s.From,
		"to":        s.To,
		"callId":    s.CallID,
		"createdAt": store.ServerTimestamp(),
	}
	if s.CallType != "" {
		f["callType"] = s.CallType
	}
	if s.SDP != "" {
		f["sdp"] = s.SDP
	}
	return f
}

func sendSignal(ctx context.Context, st store.Store, s signal) error {
	if _, err := st.Add(ctx, store.CollectionSignals, s.fields()); err != nil {
		return fmt.Errorf("send %s to %s: %w", s.Type, s.To, err)
	}
	return nil
}
