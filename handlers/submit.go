// handlers/submit.go
package handlers

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"ctf-scoring/middleware"
	"ctf-scoring/submission"
)

// maxSubmitBody leaves room for the JSON framing around a maximal flag.
const maxSubmitBody = 2*submission.MaxFlagLength + 1024

// Submitter is the coordinator as seen by the HTTP layer.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) submission.Outcome
}

type FlagSubmitRequest struct {
	Question string `json:"question"`
	Flag     string `json:"flag"`
}

func SubmitFlag(coord Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := middleware.UserID(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "Login required.")
			return
		}

		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "application/json" {
			badRequest(w, `Should to set "Content-Type: application/json".`)
			return
		}

		var req FlagSubmitRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, maxSubmitBody))
		if err := dec.Decode(&req); err != nil {
			badRequest(w, "Invalid request body.")
			return
		}
		if req.Question == "" || req.Flag == "" {
			badRequest(w, "Require question name and flag.")
			return
		}

		out := coord.Submit(r.Context(), submission.Request{
			UserID:      userID,
			ChallengeID: req.Question,
			Flag:        req.Flag,
		})

		switch out.Kind {
		case submission.Accepted:
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status":      "ok",
				"award":       out.Award,
				"first_solve": out.FirstSolve,
			})
		case submission.AlreadyCredited:
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status":  "ok",
				"message": "Already submitted.",
			})
		case submission.WrongSecret:
			writeError(w, http.StatusBadRequest, "InvalidFlag", "Invalid flag.")
		case submission.UnknownChallenge:
			writeError(w, http.StatusNotFound, "NotFound", "Question is not found.")
		case submission.InvalidRequest:
			badRequest(w, "Invalid submission.")
		default:
			internalError(w)
		}
	}
}
