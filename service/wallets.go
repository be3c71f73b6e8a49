package service

import (
	"context"

	"github.com/dan/bws/storage"
	"github.com/dan/bws/wallet"
)

// CreateWalletArgs collects the createWallet request.
type CreateWalletArgs struct {
	ID                 string
	Name               string
	M                  int
	N                  int
	Network            string
	PubKey             string
	SingleAddress      bool
	DerivationStrategy string
	AddressType        string
}

// CreateWallet registers a new, still-incomplete wallet and returns its id.
// A client-supplied id that is already taken is rejected.
func (s *Service) CreateWallet(ctx context.Context, args CreateWalletArgs) (string, error) {
	if args.Name == "" {
		return "", wallet.NewClientError("Required argument name missing")
	}
	if args.PubKey == "" {
		return "", wallet.NewClientError("Required argument pubKey missing")
	}
	w, err := wallet.NewWallet(wallet.WalletOpts{
		ID:                 args.ID,
		Name:               args.Name,
		M:                  args.M,
		N:                  args.N,
		Network:            args.Network,
		PubKey:             args.PubKey,
		SingleAddress:      args.SingleAddress,
		DerivationStrategy: args.DerivationStrategy,
		AddressType:        args.AddressType,
	})
	if err != nil {
		return "", err
	}
	if args.ID != "" {
		if _, err := s.store.FetchWallet(args.ID); err == nil {
			return "", wallet.ErrWalletAlreadyExists
		} else if err != storage.ErrNotFound {
			return "", err
		}
	}
	if err := s.store.StoreWallet(w); err != nil {
		return "", err
	}
	s.log.Info("wallet created", "wallet", w.ID, "m", w.M, "n", w.N, "network", w.Network)
	return w.ID, nil
}

// JoinWalletArgs collects the joinWallet request. CopayerSignature covers
// name|xPubKey|requestPubKey and must verify against the wallet secret's
// public key.
type JoinWalletArgs struct {
	WalletID         string
	Name             string
	XPubKey          string
	RequestPubKey    string
	CopayerSignature string
	CustomData       string
}

// JoinResult is the joinWallet response.
type JoinResult struct {
	CopayerID string         `json:"copayerId"`
	Wallet    *wallet.Wallet `json:"wallet"`
}

// JoinWallet adds a copayer to an incomplete wallet. The joiner proves
// possession of the wallet secret by signing their key material with it.
// An extended public key may only ever register once across all wallets.
func (s *Service) JoinWallet(ctx context.Context, args JoinWalletArgs) (*JoinResult, error) {
	if args.Name == "" {
		return nil, wallet.NewClientError("Required argument name missing")
	}
	xpub, err := wallet.ParseXPub(args.XPubKey)
	if err != nil {
		return nil, wallet.NewClientError("Invalid extended public key")
	}

	var res *JoinResult
	err = s.runLocked(ctx, args.WalletID, func() error {
		w, err := s.fetchWallet(args.WalletID)
		if err != nil {
			return err
		}

		params, err := wallet.NetworkParams(w.Network)
		if err != nil {
			return err
		}
		if !xpub.IsForNet(params) {
			return wallet.NewClientError("The wallet you are trying to join was created for a different network")
		}

		hash := wallet.CopayerHash(args.Name, args.XPubKey, args.RequestPubKey)
		if !wallet.VerifyMessage(hash, args.CopayerSignature, w.PubKey) {
			return wallet.NewClientError("Bad request signature")
		}

		if w.CopayerByXPub(args.XPubKey) != nil {
			return wallet.ErrCopayerInWallet
		}
		copayerID := wallet.XPubToCopayerID(args.XPubKey)
		registered, err := s.store.HasCopayer(copayerID)
		if err != nil {
			return err
		}
		if registered {
			return wallet.ErrCopayerRegistered
		}

		copayer, err := w.NewCopayer(args.Name, args.XPubKey, args.RequestPubKey,
			args.CopayerSignature, args.CustomData)
		if err != nil {
			return err
		}
		w.AddCopayer(copayer)
		if err := s.store.StoreWalletAndUpdateCopayerLookup(w); err != nil {
			return err
		}

		s.notify(w.ID, copayer.ID, wallet.NotifyNewCopayer, map[string]interface{}{
			"walletId":    w.ID,
			"copayerId":   copayer.ID,
			"copayerName": copayer.Name,
		})
		if w.IsComplete() {
			s.notify(w.ID, "", wallet.NotifyWalletComplete, map[string]interface{}{
				"walletId": w.ID,
			})
		}

		res = &JoinResult{CopayerID: copayer.ID, Wallet: w}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetWallet returns the session's wallet.
func (s *Service) GetWallet(ctx context.Context, session *Session) (*wallet.Wallet, error) {
	return s.fetchWallet(session.WalletID)
}

// Status is the combined wallet snapshot served by getStatus.
type Status struct {
	Wallet      *wallet.Wallet        `json:"wallet"`
	Balance     *wallet.Balance       `json:"balance"`
	PendingTxps []*wallet.TxProposal  `json:"pendingTxps"`
	Preferences []*wallet.Preferences `json:"preferences"`
}

// GetStatus aggregates the wallet, its balance, the pending proposals and
// every copayer's preferences in one call.
func (s *Service) GetStatus(ctx context.Context, session *Session, twoStep bool) (*Status, error) {
	w, err := s.fetchWallet(session.WalletID)
	if err != nil {
		return nil, err
	}
	status := &Status{Wallet: w}

	status.Balance, err = s.GetBalance(ctx, session, twoStep)
	if err != nil {
		return nil, err
	}
	status.PendingTxps, err = s.GetPendingTxProposals(ctx, session)
	if err != nil {
		return nil, err
	}
	status.Preferences, err = s.store.FetchWalletPreferences(session.WalletID)
	if err != nil {
		return nil, err
	}
	return status, nil
}

// AddAccessArgs collects the addAccess request. Signature covers the new
// request key and verifies against the copayer's xpub along the request
// derivation branch, so adding a key needs no wallet secret.
type AddAccessArgs struct {
	CopayerID     string
	RequestPubKey string
	Signature     string
	Name          string
}

// AddAccess registers an additional request key for a copayer.
func (s *Service) AddAccess(ctx context.Context, args AddAccessArgs) (*wallet.Wallet, error) {
	lookup, err := s.store.FetchCopayerLookup(args.CopayerID)
	if err == storage.ErrNotFound {
		return nil, wallet.ErrNotAuthorized
	}
	if err != nil {
		return nil, err
	}

	var out *wallet.Wallet
	err = s.runLocked(ctx, lookup.WalletID, func() error {
		w, err := s.fetchWallet(lookup.WalletID)
		if err != nil {
			return err
		}
		copayer := w.CopayerByID(args.CopayerID)
		if copayer == nil {
			return wallet.ErrNotAuthorized
		}
		if !wallet.VerifyRequestPubKey(args.RequestPubKey, args.Signature, copayer.XPubKey) {
			return wallet.ErrNotAuthorized
		}
		if len(copayer.RequestPubKeys) >= s.opts.MaxKeys {
			return wallet.ErrTooManyKeys
		}
		copayer.RequestPubKeys = append(copayer.RequestPubKeys, wallet.RequestPubKey{
			Key:       args.RequestPubKey,
			Signature: args.Signature,
			Name:      args.Name,
		})
		if err := s.store.StoreWalletAndUpdateCopayerLookup(w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SavePreferences validates and stores the copayer's notification
// preferences. Empty fields of an update clear nothing: the stored record
// is replaced wholesale, mirroring what the client sent.
func (s *Service) SavePreferences(ctx context.Context, session *Session, prefs *wallet.Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}
	prefs.WalletID = session.WalletID
	prefs.CopayerID = session.CopayerID
	return s.store.StorePreferences(prefs)
}

// GetPreferences returns the copayer's stored preferences, or an empty
// record when none were ever saved.
func (s *Service) GetPreferences(ctx context.Context, session *Session) (*wallet.Preferences, error) {
	prefs, err := s.store.FetchPreferences(session.WalletID, session.CopayerID)
	if err == storage.ErrNotFound {
		return &wallet.Preferences{WalletID: session.WalletID, CopayerID: session.CopayerID}, nil
	}
	return prefs, err
}
