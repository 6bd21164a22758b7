package wallet

import (
	"bufio"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Klingon-tech/klingnet-miner/internal/log"
	"github.com/Klingon-tech/klingnet-miner/pkg/crypto"
)

// ConfirmSigner asks the operator before every signature. Anything but an
// explicit yes is a rejection and returns crypto.ErrUserRejected.
type ConfirmSigner struct {
	inner crypto.Signer

	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

var _ crypto.Signer = (*ConfirmSigner)(nil)

// NewConfirmSigner wraps inner, prompting on out and reading answers from in.
func NewConfirmSigner(inner crypto.Signer, in io.Reader, out io.Writer) *ConfirmSigner {
	return &ConfirmSigner{inner: inner, in: bufio.NewReader(in), out: out}
}

// Address returns the wrapped signer's address.
func (s *ConfirmSigner) Address() common.Address { return s.inner.Address() }

// SignTx prompts with the transaction summary before signing.
func (s *ConfirmSigner) SignTx(tx *ethtypes.Transaction, chainID *big.Int) (*ethtypes.Transaction, error) {
	to := "contract creation"
	if tx.To() != nil {
		to = tx.To().Hex()
	}
	summary := fmt.Sprintf("Sign transaction from %s\n  to:    %s\n  value: %s wei\n  gas:   %d\n  nonce: %d\n  data:  %d bytes\n",
		s.inner.Address().Hex(), to, tx.Value(), tx.Gas(), tx.Nonce(), len(tx.Data()))
	if err := s.confirm(summary); err != nil {
		return nil, err
	}
	return s.inner.SignTx(tx, chainID)
}

// SignMessage prompts with the message text before signing.
func (s *ConfirmSigner) SignMessage(msg []byte) ([]byte, error) {
	summary := fmt.Sprintf("Sign message as %s:\n%s\n", s.inner.Address().Hex(), indent(string(msg)))
	if err := s.confirm(summary); err != nil {
		return nil, err
	}
	return s.inner.SignMessage(msg)
}

func (s *ConfirmSigner) confirm(summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprint(s.out, summary)
	fmt.Fprint(s.out, "Approve? [y/N] ")
	answer, err := readLine(s.in)
	if err != nil {
		fmt.Fprintln(s.out)
		log.Wallet.Warn().Err(err).Msg("No answer to signature prompt")
		return crypto.ErrUserRejected
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	}
	log.Wallet.Info().Msg("Signature request declined")
	return crypto.ErrUserRejected
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
