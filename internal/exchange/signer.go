package exchange

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Order signing parameters for the Opinion CTF exchange.
const (
	DefaultChainID      = 56
	domainName          = "OPINION CTF Exchange"
	domainVersion       = "1"
	signatureTypeSafe   = 2
	zeroAddress         = "0x0000000000000000000000000000000000000000"
	sideBuyCode         = 0
	sideSellCode        = 1
	amountSignificantDP = 4
)

var (
	domainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)

	minOrderPrice = big.NewRat(1, 1000)
	maxOrderPrice = big.NewRat(999, 1000)
)

// SignedOrder holds the twelve EIP-712 order fields. Large integers are
// decimal strings so they survive JSON unchanged.
type SignedOrder struct {
	Salt          string
	Maker         string
	Signer        string
	Taker         string
	TokenID       string
	MakerAmount   string
	TakerAmount   string
	Expiration    string
	Nonce         string
	FeeRateBps    string
	Side          int
	SignatureType int
	Signature     string
}

// OrderSigner signs exchange orders on behalf of a Gnosis Safe (multisig) maker.
type OrderSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	maker      common.Address
	chainID    int64
}

// NewOrderSigner parses a hex private key. multiSig is the maker wallet.
func NewOrderSigner(privateKeyHex, multiSig string, chainID int64) (*OrderSigner, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("exchange: invalid private key: %w", err)
	}
	if !common.IsHexAddress(multiSig) {
		return nil, fmt.Errorf("exchange: invalid multisig address %q", multiSig)
	}
	if chainID == 0 {
		chainID = DefaultChainID
	}
	return &OrderSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		maker:      common.HexToAddress(multiSig),
		chainID:    chainID,
	}, nil
}

// Address returns the EOA derived from the private key.
func (s *OrderSigner) Address() common.Address { return s.address }

// Maker returns the multisig wallet that owns the funds.
func (s *OrderSigner) Maker() common.Address { return s.maker }

// NewOrder builds and signs an order against the given exchange contract.
func (s *OrderSigner) NewOrder(exchangeAddr, tokenID string, side int, makerAmount, takerAmount *big.Int) (*SignedOrder, error) {
	if !common.IsHexAddress(exchangeAddr) {
		return nil, fmt.Errorf("exchange: invalid exchange contract %q", exchangeAddr)
	}
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	o := &SignedOrder{
		Salt:          salt,
		Maker:         strings.ToLower(s.maker.Hex()),
		Signer:        strings.ToLower(s.address.Hex()),
		Taker:         zeroAddress,
		TokenID:       tokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: signatureTypeSafe,
	}
	digest, err := s.orderDigest(o, common.HexToAddress(exchangeAddr))
	if err != nil {
		return nil, err
	}
	sig, err := s.signDigest(digest)
	if err != nil {
		return nil, err
	}
	o.Signature = sig
	return o, nil
}

func (s *OrderSigner) orderDigest(o *SignedOrder, verifyingContract common.Address) ([]byte, error) {
	structHash, err := orderStructHash(o)
	if err != nil {
		return nil, err
	}
	return eip712Hash(s.domainSeparator(verifyingContract), structHash), nil
}

// domainSeparator returns keccak256(typeHash, name, version, chainId, verifyingContract).
func (s *OrderSigner) domainSeparator(verifyingContract common.Address) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			domainTypeHash,
			ethcrypto.Keccak256([]byte(domainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			bigIntTo32Bytes(big.NewInt(s.chainID)),
			common.LeftPadBytes(verifyingContract.Bytes(), 32),
		),
	)
}

func (s *OrderSigner) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("exchange: signing: %w", err)
	}
	// go-ethereum returns v in {0,1}; the exchange expects {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func orderStructHash(o *SignedOrder) ([]byte, error) {
	fields := map[string]string{
		"salt":        o.Salt,
		"tokenId":     o.TokenID,
		"makerAmount": o.MakerAmount,
		"takerAmount": o.TakerAmount,
		"expiration":  o.Expiration,
		"nonce":       o.Nonce,
		"feeRateBps":  o.FeeRateBps,
	}
	ints := make(map[string]*big.Int, len(fields))
	for name, raw := range fields {
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("exchange: invalid %s %q", name, raw)
		}
		ints[name] = v
	}

	return ethcrypto.Keccak256(
		concatBytes(
			orderTypeHash,
			bigIntTo32Bytes(ints["salt"]),
			common.LeftPadBytes(common.HexToAddress(o.Maker).Bytes(), 32),
			common.LeftPadBytes(common.HexToAddress(o.Signer).Bytes(), 32),
			common.LeftPadBytes(common.HexToAddress(o.Taker).Bytes(), 32),
			bigIntTo32Bytes(ints["tokenId"]),
			bigIntTo32Bytes(ints["makerAmount"]),
			bigIntTo32Bytes(ints["takerAmount"]),
			bigIntTo32Bytes(ints["expiration"]),
			bigIntTo32Bytes(ints["nonce"]),
			bigIntTo32Bytes(ints["feeRateBps"]),
			bigIntTo32Bytes(big.NewInt(int64(o.Side))),
			bigIntTo32Bytes(big.NewInt(int64(o.SignatureType))),
		),
	), nil
}

// eip712Hash computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

func bigIntTo32Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}

func newSalt() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return "", fmt.Errorf("exchange: salt: %w", err)
	}
	return n.String(), nil
}

// validatePrice checks 0.001 <= price <= 0.999 with at most six decimals and
// returns the canonical decimal string.
func validatePrice(price float64) (string, error) {
	if price <= 0 {
		return "", fmt.Errorf("price must be positive, got %v", price)
	}
	s := strconv.FormatFloat(price, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 && len(s)-i-1 > 6 {
		return "", fmt.Errorf("price %s exceeds 6 decimal places", s)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return "", fmt.Errorf("invalid price %s", s)
	}
	if r.Cmp(minOrderPrice) < 0 || r.Cmp(maxOrderPrice) > 0 {
		return "", fmt.Errorf("price %s outside 0.001..0.999", s)
	}
	return s, nil
}

// amountToWei converts a decimal amount to integer base units.
func amountToWei(amount float64, decimals int) (*big.Int, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %v", amount)
	}
	if decimals < 0 || decimals > 18 {
		return nil, fmt.Errorf("decimals must be within 0..18, got %d", decimals)
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(amount, 'f', -1, 64))
	if !ok {
		return nil, fmt.Errorf("invalid amount %v", amount)
	}
	r.Mul(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)))
	wei := new(big.Int).Quo(r.Num(), r.Denom())
	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("amount %v rounds to zero", amount)
	}
	return wei, nil
}

// roundSignificant truncates v to n significant decimal digits.
func roundSignificant(v *big.Int, n int) *big.Int {
	s := v.String()
	if v.Sign() <= 0 || len(s) <= n {
		return new(big.Int).Set(v)
	}
	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(len(s)-n)), nil)
	out := new(big.Int).Quo(v, div)
	return out.Mul(out, div)
}

// orderAmounts derives maker/taker amounts so that their ratio equals price
// exactly. BUY pays quote (maker) for shares (taker); SELL the reverse.
func orderAmounts(price float64, makerWei *big.Int, side int) (maker, taker *big.Int, err error) {
	ps, err := validatePrice(price)
	if err != nil {
		return nil, nil, err
	}
	r, _ := new(big.Rat).SetString(ps)
	num, den := r.Num(), r.Denom()

	m4 := roundSignificant(makerWei, amountSignificantDP)
	makerUnit, takerUnit := num, den
	if side == sideSellCode {
		makerUnit, takerUnit = den, num
	}
	k := new(big.Int).Quo(m4, makerUnit)
	if k.Sign() == 0 {
		k.SetInt64(1)
	}
	return new(big.Int).Mul(k, makerUnit), new(big.Int).Mul(k, takerUnit), nil
}
