package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/alanyoungcy/parimutuel/internal/custody"
	"github.com/alanyoungcy/parimutuel/internal/server/middleware"
)

// Ledger is the slice of *custody.Ledger the custody handler uses.
type Ledger interface {
	OpenVault(ctx context.Context, vault, owner common.Address) error
	Credit(ctx context.Context, account common.Address, amount uint64) error
	Balance(ctx context.Context, account common.Address) (uint64, error)
	VaultBalance(ctx context.Context, vault common.Address) (uint64, error)
	VaultAuthority(ctx context.Context, vault common.Address) (common.Address, error)
}

// CreditPolicy decides who may mint into accounts. With Faucet set anyone
// may; otherwise only requests signed by a non-zero Operator are accepted.
type CreditPolicy struct {
	Faucet   bool
	Operator common.Address
}

// CustodyHandler exposes the custody ledger: opening vaults, balances and
// crediting accounts.
type CustodyHandler struct {
	ledger Ledger
	policy CreditPolicy
	logger *slog.Logger
}

// NewCustodyHandler creates a CustodyHandler.
func NewCustodyHandler(ledger Ledger, policy CreditPolicy, logger *slog.Logger) *CustodyHandler {
	return &CustodyHandler{ledger: ledger, policy: policy, logger: logger.With(slog.String("handler", "custody"))}
}

type vaultView struct {
	Vault     common.Address `json:"vault"`
	Authority common.Address `json:"authority"`
	Balance   uint64         `json:"balance"`
}

// OpenVault creates an empty vault held by the signer, ready to hand to a
// new game.
// POST /api/vaults
func (h *CustodyHandler) OpenVault(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireSigner(w, r)
	if !ok {
		return
	}
	nonce := uuid.New()
	vault := common.BytesToAddress(ethcrypto.Keccak256(owner.Bytes(), nonce[:])[12:])
	if err := h.ledger.OpenVault(r.Context(), vault, owner); err != nil {
		h.logger.ErrorContext(r.Context(), "open vault failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "open vault failed")
		return
	}
	h.logger.InfoContext(r.Context(), "vault opened",
		slog.String("vault", vault.Hex()),
		slog.String("owner", owner.Hex()),
	)
	writeJSON(w, http.StatusCreated, vaultView{Vault: vault, Authority: owner})
}

// GetVault returns a vault's authority and balance.
// GET /api/vaults/{address}
func (h *CustodyHandler) GetVault(w http.ResponseWriter, r *http.Request) {
	vault, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	authority, err := h.ledger.VaultAuthority(r.Context(), vault)
	if errors.Is(err, custody.ErrUnknownVault) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Kind: "not_found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get vault failed")
		return
	}
	balance, err := h.ledger.VaultBalance(r.Context(), vault)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "get vault failed")
		return
	}
	writeJSON(w, http.StatusOK, vaultView{Vault: vault, Authority: authority, Balance: balance})
}

type accountView struct {
	Account common.Address `json:"account"`
	Balance uint64         `json:"balance"`
}

// GetAccount returns a participant balance.
// GET /api/accounts/{address}
func (h *CustodyHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeAccount(w, r, acct)
}

func (h *CustodyHandler) writeAccount(w http.ResponseWriter, r *http.Request, acct common.Address) {
	balance, err := h.ledger.Balance(r.Context(), acct)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get account failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "get account failed")
		return
	}
	writeJSON(w, http.StatusOK, accountView{Account: acct, Balance: balance})
}

// mayCredit reports whether the request is allowed to mint.
func (h *CustodyHandler) mayCredit(r *http.Request) bool {
	if h.policy.Faucet {
		return true
	}
	signer, ok := middleware.SignerFrom(r.Context())
	return ok && h.policy.Operator != (common.Address{}) && signer == h.policy.Operator
}

type creditRequest struct {
	Amount uint64 `json:"amount"`
}

// Credit mints tokens into an account when the faucet is enabled or the
// request is signed by the operator.
// POST /api/accounts/{address}/credit
func (h *CustodyHandler) Credit(w http.ResponseWriter, r *http.Request) {
	if !h.mayCredit(r) {
		writeError(w, http.StatusForbidden, "credit requires the faucet or an operator signature")
		return
	}
	acct, err := parseAddress(r.PathValue("address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req creditRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Amount == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "amount must be positive", Kind: "invalid_parameters"})
		return
	}
	if err := h.ledger.Credit(r.Context(), acct, req.Amount); err != nil {
		writeEngineError(w, r, h.logger, "credit", err)
		return
	}
	h.logger.InfoContext(r.Context(), "account credited",
		slog.String("account", acct.Hex()),
		slog.Uint64("amount", req.Amount),
	)
	h.writeAccount(w, r, acct)
}
