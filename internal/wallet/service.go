package wallet

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/congo-pay/wallet_ledger/internal/ledger"
	"github.com/congo-pay/wallet_ledger/internal/query"
)

const maxLabelLength = 255

// Service exposes wallet lifecycle operations. Balances are read-only here.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

// NewService builds a wallet service instance.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Create provisions a wallet with a zero balance.
func (s *Service) Create(ctx context.Context, label string) (ledger.Wallet, error) {
	label, err := normalizeLabel(label)
	if err != nil {
		return ledger.Wallet{}, err
	}
	w, err := s.repo.Create(ctx, label)
	if err != nil {
		return ledger.Wallet{}, err
	}
	s.logger.Info("wallet created", slog.Int64("wallet_id", w.ID), slog.String("label", w.Label))
	return w, nil
}

// Get retrieves a wallet with its committed balance.
func (s *Service) Get(ctx context.Context, id int64) (ledger.Wallet, error) {
	return s.repo.Get(ctx, id)
}

// Rename changes the wallet label.
func (s *Service) Rename(ctx context.Context, id int64, label string) (ledger.Wallet, error) {
	label, err := normalizeLabel(label)
	if err != nil {
		return ledger.Wallet{}, err
	}
	return s.repo.UpdateLabel(ctx, id, label)
}

// Delete removes the wallet together with its transactions.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("wallet deleted", slog.Int64("wallet_id", id))
	return nil
}

// List returns one page of wallets.
func (s *Service) List(ctx context.Context, filter Filter) (query.Result[ledger.Wallet], error) {
	return s.repo.List(ctx, filter)
}

func normalizeLabel(label string) (string, error) {
	label = strings.TrimSpace(label)
	if label == "" || utf8.RuneCountInString(label) > maxLabelLength {
		return "", ErrInvalidLabel
	}
	return label, nil
}
