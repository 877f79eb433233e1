package controllers

import (
	"net/http"

	"github.com/angelmondragon/stockledger-backend/api/responses"
)

// PublicPing answers unauthenticated reachability probes.
func PublicPing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responses.WriteSuccess(w, map[string]string{"pong": "public"})
	}
}
