package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/parimutuel/internal/server/middleware"
	"github.com/alanyoungcy/parimutuel/internal/settlement"
)

// maxBody bounds JSON request bodies.
const maxBody = 1 << 20

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps an engine error kind to an HTTP status.
func statusFor(kind string) int {
	switch kind {
	case "invalid_parameters", "invalid_side":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "betting_closed", "not_yet_expired", "not_running", "no_winning_stake",
		"already_settled", "wrong_side", "not_withdrawable":
		return http.StatusConflict
	case "arithmetic_overflow":
		return http.StatusUnprocessableEntity
	case "transfer_failure", "oracle_failure":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError reports err with the status of its kind. Internal
// errors are logged and their text withheld.
func writeEngineError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	kind := settlement.ErrorKind(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed", slog.String("error", err.Error()))
		msg = op + " failed"
	}
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body required")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// requireSigner returns the participant recovered from X-Signature.
func requireSigner(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	addr, ok := middleware.SignerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, middleware.SignatureHeader+" header required")
		return common.Address{}, false
	}
	return addr, true
}

// gameIDParam parses the {id} path value.
func gameIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid game id", Kind: "invalid_parameters"})
		return 0, false
	}
	return id, true
}

// parseAddress parses a hex account address.
func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.New("invalid address " + strconv.Quote(s))
	}
	return common.HexToAddress(s), nil
}
