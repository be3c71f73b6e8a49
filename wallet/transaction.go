package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// BuildUnsignedTx constructs the wire transaction for a proposal. Inputs
// keep their reservation order. Outputs (requested plus the change slot at
// index len(outputs)) are laid out by the stored permutation; slots beyond
// the built set are dropped, which is how a dust-absorbed change output
// disappears.
func BuildUnsignedTx(t *TxProposal) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(wire.TxVersion)

	for _, in := range t.Inputs {
		prevHash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid input txid %s: %w", in.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prevHash, in.Vout), nil, nil))
	}

	outs := make([]*wire.TxOut, 0, len(t.Outputs)+1)
	for _, o := range t.Outputs {
		var script []byte
		var err error
		if o.Script != "" {
			script, err = hex.DecodeString(o.Script)
		} else {
			script, err = ScriptPubKey(o.ToAddress, t.Network)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build output script: %w", err)
		}
		outs = append(outs, wire.NewTxOut(o.Amount, script))
	}

	if change := t.ChangeAmount(); change > 0 && t.ChangeAddress != nil {
		script, err := ScriptPubKey(t.ChangeAddress.Address, t.Network)
		if err != nil {
			return nil, fmt.Errorf("failed to build change script: %w", err)
		}
		outs = append(outs, wire.NewTxOut(change, script))
	}

	for _, idx := range t.OutputOrder {
		if idx < len(outs) {
			tx.AddTxOut(outs[idx])
		}
	}
	return tx, nil
}

// UnsignedRawTx returns the hex serialization of the unsigned transaction.
// This is also the version-2 proposal signing payload.
func (t *TxProposal) UnsignedRawTx() (string, error) {
	tx, err := BuildUnsignedTx(t)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// SignatureHashes returns the SIGHASH_ALL digest each input must be signed
// over. For multisig inputs the subscript is the redeem script; for P2PKH
// it is the previous output script.
func SignatureHashes(t *TxProposal, tx *wire.MsgTx) ([][]byte, error) {
	params, err := NetworkParams(t.Network)
	if err != nil {
		return nil, err
	}
	hashes := make([][]byte, len(t.Inputs))
	for i, in := range t.Inputs {
		var subscript []byte
		if t.AddressType == AddressTypeP2SH {
			subscript, err = MultiSigRedeemScript(in.PublicKeys, t.RequiredSignatures, params)
		} else {
			subscript, err = hex.DecodeString(in.ScriptPubKey)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to build subscript for input %d: %w", i, err)
		}
		hash, err := txscript.CalcSignatureHash(subscript, txscript.SigHashAll, tx, i)
		if err != nil {
			return nil, fmt.Errorf("failed to compute signature hash for input %d: %w", i, err)
		}
		hashes[i] = hash
	}
	return hashes, nil
}

// VerifyInputSignatures checks one DER signature per input against the
// public key the signer's xpub derives at that input's path. Any mismatch
// is reported as ErrBadSignatures.
func VerifyInputSignatures(t *TxProposal, signatures []string, xPubKey string) error {
	if len(signatures) != len(t.Inputs) {
		return ErrBadSignatures
	}
	tx, err := BuildUnsignedTx(t)
	if err != nil {
		return err
	}
	hashes, err := SignatureHashes(t, tx)
	if err != nil {
		return err
	}
	for i, sigHex := range signatures {
		sigBytes, err := hex.DecodeString(sigHex)
		if err != nil {
			return ErrBadSignatures
		}
		sig, err := ecdsa.ParseDERSignature(sigBytes)
		if err != nil {
			return ErrBadSignatures
		}
		pubKey, err := DerivePubKeyByPath(xPubKey, t.Inputs[i].Path)
		if err != nil {
			return fmt.Errorf("failed to derive signing key for input %d: %w", i, err)
		}
		if !sig.Verify(hashes[i], pubKey) {
			return ErrBadSignatures
		}
	}
	return nil
}

// BuildSignedTx assembles the final transaction from the accept actions of
// an accepted proposal. Multisig scriptSigs carry the signatures in redeem
// script key order behind the extra OP_0 that CHECKMULTISIG consumes.
func BuildSignedTx(t *TxProposal) (*wire.MsgTx, error) {
	tx, err := BuildUnsignedTx(t)
	if err != nil {
		return nil, err
	}
	params, err := NetworkParams(t.Network)
	if err != nil {
		return nil, err
	}

	var accepts []*TxProposalAction
	for _, a := range t.Actions {
		if a.Type == ActionAccept {
			accepts = append(accepts, a)
		}
	}
	if len(accepts) < t.RequiredSignatures {
		return nil, ErrTxNotAccepted
	}
	accepts = accepts[:t.RequiredSignatures]

	for i, in := range t.Inputs {
		type placedSig struct {
			pos int
			sig []byte
		}
		sigs := make([]placedSig, 0, len(accepts))
		for _, a := range accepts {
			pubKey, err := DerivePubKeyByPath(a.XPub, in.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to derive key for copayer %s: %w", a.CopayerID, err)
			}
			pubHex := hex.EncodeToString(pubKey.SerializeCompressed())
			pos := -1
			for j, k := range in.PublicKeys {
				if k == pubHex {
					pos = j
					break
				}
			}
			if pos < 0 || i >= len(a.Signatures) {
				return nil, ErrBadSignatures
			}
			sigBytes, err := hex.DecodeString(a.Signatures[i])
			if err != nil {
				return nil, ErrBadSignatures
			}
			sigs = append(sigs, placedSig{pos: pos, sig: append(sigBytes, byte(txscript.SigHashAll))})
		}
		sort.Slice(sigs, func(a, b int) bool { return sigs[a].pos < sigs[b].pos })

		var script []byte
		if t.AddressType == AddressTypeP2SH {
			redeem, err := MultiSigRedeemScript(in.PublicKeys, t.RequiredSignatures, params)
			if err != nil {
				return nil, err
			}
			builder := txscript.NewScriptBuilder().AddOp(txscript.OP_0)
			for _, s := range sigs {
				builder.AddData(s.sig)
			}
			builder.AddData(redeem)
			script, err = builder.Script()
			if err != nil {
				return nil, fmt.Errorf("failed to build scriptSig for input %d: %w", i, err)
			}
		} else {
			pubBytes, err := hex.DecodeString(in.PublicKeys[0])
			if err != nil {
				return nil, fmt.Errorf("failed to decode input public key: %w", err)
			}
			script, err = txscript.NewScriptBuilder().AddData(sigs[0].sig).AddData(pubBytes).Script()
			if err != nil {
				return nil, fmt.Errorf("failed to build scriptSig for input %d: %w", i, err)
			}
		}
		tx.TxIn[i].SignatureScript = script
	}
	return tx, nil
}

// SignedRawTx returns the hex serialization and txid of the fully signed
// transaction.
func (t *TxProposal) SignedRawTx() (string, string, error) {
	tx, err := BuildSignedTx(t)
	if err != nil {
		return "", "", err
	}
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), tx.TxHash().String(), nil
}
