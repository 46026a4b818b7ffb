package block

import (
	"testing"

	sol "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaanhar/auto-topup-burner-wallets/lib/block/types"
	"github.com/kaanhar/auto-topup-burner-wallets/lib/config"
)

func TestInit(t *testing.T) {
	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)

	c, err := Init(config.BlockConfig{Name: "solana-devnet", Node: "https://api.devnet.solana.com", Secret: key.String()}, nil)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey().String(), c.Master())
	End(c)

	_, err = Init(config.BlockConfig{Name: "ropsten", Node: "http://localhost:8545", Secret: key.String()}, nil)
	assert.ErrorIs(t, err, types.ErrNoNetwork)

	_, err = Init(config.BlockConfig{Name: "solana", Node: "http://localhost:8899"}, nil)
	assert.ErrorIs(t, err, types.ErrNoKey)

	End(nil)
}
