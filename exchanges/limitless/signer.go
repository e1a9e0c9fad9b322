package limitless

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// EIP-712 type hashes for the CTF exchange order schema.
var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)
)

// orderPayload carries the signed fields of a CTF order. Addresses and
// large numbers stay as strings to preserve precision across JSON.
type orderPayload struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          int    `json:"side"`          // 0 = BUY, 1 = SELL
	SignatureType int    `json:"signatureType"` // 0 = EOA
}

// signer provides EIP-712 order signing against the venue's domain.
type signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte
}

// newSigner builds a signer from a hex-encoded secp256k1 private key and
// the target chain id (8453 for Base mainnet).
func newSigner(privateKeyHex string, chainID int) (*signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("limitless: invalid private key: %w", err)
	}
	return &signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep:  buildDomainSeparator("Limitless CTF Exchange", "1", chainID),
	}, nil
}

// Address returns the wallet address derived from the private key.
func (s *signer) Address() common.Address { return s.address }

// SignOrder signs an Order struct for placement.
func (s *signer) SignOrder(order orderPayload) (string, error) {
	structHash, err := orderStructHash(order)
	if err != nil {
		return "", err
	}
	digest := ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, s.domainSep, structHash))
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("limitless: sign order: %w", err)
	}
	// go-ethereum returns v in {0,1}; EIP-712 expects {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func buildDomainSeparator(name, version string, chainID int) []byte {
	return ethcrypto.Keccak256(concatBytes(
		eip712DomainTypeHash,
		ethcrypto.Keccak256([]byte(name)),
		ethcrypto.Keccak256([]byte(version)),
		bigIntTo32Bytes(big.NewInt(int64(chainID))),
	))
}

func orderStructHash(o orderPayload) ([]byte, error) {
	nums := make([]*big.Int, 0, 7)
	for _, field := range []struct{ name, val string }{
		{"salt", o.Salt},
		{"tokenId", o.TokenID},
		{"makerAmount", o.MakerAmount},
		{"takerAmount", o.TakerAmount},
		{"expiration", o.Expiration},
		{"nonce", o.Nonce},
		{"feeRateBps", o.FeeRateBps},
	} {
		n, ok := new(big.Int).SetString(field.val, 10)
		if !ok {
			return nil, fmt.Errorf("limitless: invalid %s %q in order payload", field.name, field.val)
		}
		nums = append(nums, n)
	}

	return ethcrypto.Keccak256(concatBytes(
		orderTypeHash,
		bigIntTo32Bytes(nums[0]),
		common.LeftPadBytes(common.HexToAddress(o.Maker).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(o.Signer).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(o.Taker).Bytes(), 32),
		bigIntTo32Bytes(nums[1]),
		bigIntTo32Bytes(nums[2]),
		bigIntTo32Bytes(nums[3]),
		bigIntTo32Bytes(nums[4]),
		bigIntTo32Bytes(nums[5]),
		bigIntTo32Bytes(nums[6]),
		bigIntTo32Bytes(big.NewInt(int64(o.Side))),
		bigIntTo32Bytes(big.NewInt(int64(o.SignatureType))),
	)), nil
}

func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
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
