package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/notify"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS registers the caller's session and serves inbound frames until
// the connection drops. The only inbound type is offer.respond.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		s.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}
	session := s.sessions.Add(userID, conn)
	log := s.logger.With("user_id", userID)
	log.Info("ws session opened")
	defer func() {
		s.sessions.Remove(session)
		_ = conn.Close()
		log.Info("ws session closed")
	}()

	for {
		var env notify.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				_ = session.Send(notify.ErrorMessage{Message: "malformed frame"})
				continue
			}
			return
		}
		if env.Type != notify.TypeOfferRespond {
			_ = session.Send(notify.ErrorMessage{Message: "unsupported message type " + string(env.Type)})
			continue
		}
		var in notify.OfferRespond
		if err := json.Unmarshal(env.Payload, &in); err != nil {
			_ = session.Send(notify.ErrorMessage{Message: "malformed offer.respond payload"})
			continue
		}
		res, err := s.coord.HandleResponse(r.Context(), userID, in.OfferID, in.Response)
		if err != nil {
			log.Info("offer response rejected", "offer_id", in.OfferID, "error", err)
			_ = session.Send(notify.ErrorMessage{Message: err.Error()})
			continue
		}
		if err := session.Send(res.Notification()); err != nil {
			log.Warn("offer result send failed", "offer_id", in.OfferID, "error", err)
		}
	}
}
