package exchange

import (
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testExchange = "0x5F45344126D6488025B0b84A3A8189F2487a7246"

func TestOrderSigner_SignatureRecoversSigner(t *testing.T) {
	s, err := NewOrderSigner(testPrivateKey(t), testMultiSig, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultChainID), s.chainID)

	o, err := s.NewOrder(testExchange, "98765432109876543210", sideBuyCode, big.NewInt(9_999), big.NewInt(133_320))
	require.NoError(t, err)

	assert.Equal(t, strings.ToLower(testMultiSig), o.Maker)
	assert.Equal(t, strings.ToLower(s.Address().Hex()), o.Signer)
	assert.Equal(t, zeroAddress, o.Taker)
	assert.Equal(t, signatureTypeSafe, o.SignatureType)
	assert.NotEmpty(t, o.Salt)

	sig, err := hex.DecodeString(strings.TrimPrefix(o.Signature, "0x"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	digest, err := s.orderDigest(o, common.HexToAddress(testExchange))
	require.NoError(t, err)
	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), ethcrypto.PubkeyToAddress(*pub))
}

func TestOrderSigner_DomainBindsExchange(t *testing.T) {
	s, err := NewOrderSigner(testPrivateKey(t), testMultiSig, DefaultChainID)
	require.NoError(t, err)

	a := s.domainSeparator(common.HexToAddress(testExchange))
	b := s.domainSeparator(common.HexToAddress(testMultiSig))
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}

func TestNewOrderSigner_Invalid(t *testing.T) {
	_, err := NewOrderSigner("nothex", testMultiSig, 56)
	assert.Error(t, err)

	_, err = NewOrderSigner(testPrivateKey(t), "0x123", 56)
	assert.Error(t, err)
}

func TestOrderStructHash_RejectsBadIntegers(t *testing.T) {
	_, err := orderStructHash(&SignedOrder{Salt: "1", TokenID: "abc", MakerAmount: "1", TakerAmount: "1",
		Expiration: "0", Nonce: "0", FeeRateBps: "0"})
	assert.ErrorContains(t, err, "tokenId")
}

func TestValidatePrice(t *testing.T) {
	tests := []struct {
		price   float64
		want    string
		wantErr bool
	}{
		{price: 0.075, want: "0.075"},
		{price: 0.001, want: "0.001"},
		{price: 0.999, want: "0.999"},
		{price: 0.123456, want: "0.123456"},
		{price: 0.1234567, wantErr: true},
		{price: 0.0005, wantErr: true},
		{price: 1, wantErr: true},
		{price: -0.5, wantErr: true},
	}
	for _, tt := range tests {
		got, err := validatePrice(tt.price)
		if tt.wantErr {
			assert.Error(t, err, "price %v", tt.price)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestAmountToWei(t *testing.T) {
	wei, err := amountToWei(10, 18)
	require.NoError(t, err)
	assert.Equal(t, "10000000000000000000", wei.String())

	wei, err = amountToWei(0.1, 6)
	require.NoError(t, err)
	assert.Equal(t, "100000", wei.String())

	_, err = amountToWei(0, 18)
	assert.Error(t, err)
	_, err = amountToWei(1, 19)
	assert.Error(t, err)
}

func TestRoundSignificant(t *testing.T) {
	assert.Equal(t, "123400", roundSignificant(big.NewInt(123456), 4).String())
	assert.Equal(t, "999", roundSignificant(big.NewInt(999), 4).String())
	assert.Equal(t, "0", roundSignificant(big.NewInt(0), 4).String())
}

func TestOrderAmounts(t *testing.T) {
	ten, _ := new(big.Int).SetString("10000000000000000000", 10)

	maker, taker, err := orderAmounts(0.075, ten, sideBuyCode)
	require.NoError(t, err)
	assert.Equal(t, "9999999999999999999", maker.String())
	assert.Equal(t, "133333333333333333320", taker.String())
	// maker/taker == 3/40 exactly
	assert.Zero(t, new(big.Int).Mul(maker, big.NewInt(40)).Cmp(new(big.Int).Mul(taker, big.NewInt(3))))

	maker, taker, err = orderAmounts(0.5, big.NewInt(1), sideSellCode)
	require.NoError(t, err)
	assert.Equal(t, "2", maker.String(), "k floors to 1 when the amount is below one price unit")
	assert.Equal(t, "1", taker.String())

	_, _, err = orderAmounts(1.5, ten, sideBuyCode)
	assert.Error(t, err)
}
