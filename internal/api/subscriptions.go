package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/harbor_feed/internal/apperr"
	"github.com/austindbirch/harbor_feed/internal/feed"
)

type subscriptionList struct {
	Total int                 `json:"total"`
	Items []feed.Subscription `json:"items"`
}

func subscriptionID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Invalid("invalid subscription id %q", raw)
	}
	return id, nil
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	owner, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req feed.CreateSubscriptionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sub, err := s.subs.Create(r.Context(), owner, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	owner, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	items, total, err := s.subs.List(r.Context(), owner, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionList{Total: total, Items: items})
}

func (s *Server) getSubscription(w http.ResponseWriter, r *http.Request) {
	owner, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := subscriptionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sub, err := s.subs.Get(r.Context(), owner, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) updateSubscription(w http.ResponseWriter, r *http.Request) {
	owner, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := subscriptionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req feed.UpdateSubscriptionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sub, err := s.subs.Update(r.Context(), owner, id, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	owner, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := subscriptionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.subs.Delete(r.Context(), owner, id); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, http.StatusOK, "Subscription "+strconv.FormatInt(id, 10)+" deleted successfully", nil)
}

// pollSubscription serves the next batch after the cursor and advances it
func (s *Server) pollSubscription(w http.ResponseWriter, r *http.Request) {
	owner, err := identity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := subscriptionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := queryInt64(r, "since")
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := s.poller.Poll(r.Context(), feed.PollRequest{
		SubscriptionID: id,
		Identity:       owner,
		Since:          since,
		Limit:          limit,
		Channel:        "pull",
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
