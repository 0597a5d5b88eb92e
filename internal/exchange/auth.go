package exchange

import (
	"crypto/ecdsa"
	"crypto/hmac"
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"polymarket-edge/internal/config"
)

// Exchange contracts on Polygon. The verifying contract depends on whether
// the market uses the negative-risk adapter.
const (
	ctfExchangeAddress     = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	negRiskExchangeAddress = "0xC5d563A36AE78145C45a50134d48A1215220f80a"
)

// Credentials holds the L2 API key triplet returned by /auth/derive-api-key.
// These are used for HMAC-signed trading requests (L2 auth).
type Credentials struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Auth handles the exchange's two authentication layers:
//
//   - L1 (EIP-712): signs a typed-data "ClobAuth" message with the wallet's
//     private key. Used once to derive L2 API keys, and again for every
//     order, which is itself EIP-712 signed against the exchange contract.
//
//   - L2 (HMAC-SHA256): signs "timestamp + method + path [+ body]" with the
//     derived API secret. Used on all trading requests.
//
// The funderAddress may differ from address when using a proxy wallet.
type Auth struct {
	privateKey    *ecdsa.PrivateKey // EOA private key for EIP-712 signing
	address       common.Address    // EOA address derived from privateKey
	funderAddress common.Address    // proxy/funder wallet (== address if no proxy)
	chainID       *big.Int          // Polygon chain ID (137 mainnet, 80002 amoy)
	sigType       int               // 0 = EOA
	creds         Credentials       // L2 API credentials (derived or configured)
}

// NewAuth creates an Auth instance from config.
func NewAuth(cfg config.Config) (*Auth, error) {
	keyHex := cfg.Wallet.PrivateKey
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}

	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	var funder common.Address
	if cfg.Wallet.FunderAddress != "" {
		funder = common.HexToAddress(cfg.Wallet.FunderAddress)
	} else {
		funder = address
	}

	return &Auth{
		privateKey:    privateKey,
		address:       address,
		funderAddress: funder,
		chainID:       big.NewInt(int64(cfg.Wallet.ChainID)),
		sigType:       cfg.Wallet.SignatureType,
		creds: Credentials{
			ApiKey:     cfg.API.ApiKey,
			Secret:     cfg.API.Secret,
			Passphrase: cfg.API.Passphrase,
		},
	}, nil
}

// Address returns the signer's Ethereum address.
func (a *Auth) Address() common.Address {
	return a.address
}

// FunderAddress returns the funder/proxy wallet address.
func (a *Auth) FunderAddress() common.Address {
	return a.funderAddress
}

// HasL2Credentials returns whether L2 API credentials are configured.
func (a *Auth) HasL2Credentials() bool {
	return a.creds.ApiKey != "" && a.creds.Secret != "" && a.creds.Passphrase != ""
}

// SetCredentials sets the L2 API credentials (after deriving them via L1).
func (a *Auth) SetCredentials(creds Credentials) {
	a.creds = creds
}

// L1Headers generates headers for L1-authenticated endpoints (key management).
func (a *Auth) L1Headers(nonce int) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.signClobAuth(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign clob auth: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":   a.address.Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     strconv.Itoa(nonce),
	}, nil
}

// L2Headers generates headers for L2-authenticated trading endpoints.
func (a *Auth) L2Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":    a.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    a.creds.ApiKey,
		"POLY_PASSPHRASE": a.creds.Passphrase,
	}, nil
}

// SignOrder fills the order's Salt, SignatureType, and Signature by signing
// the EIP-712 Order struct against the exchange contract.
func (a *Auth) SignOrder(order *signedOrder, negRisk bool) error {
	salt, err := cryptorand.Int(cryptorand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	order.Salt = salt.String()
	order.SignatureType = a.sigType

	sideCode := "0" // BUY
	if order.Side == "SELL" {
		sideCode = "1"
	}

	verifyingContract := ctfExchangeAddress
	if negRisk {
		verifyingContract = negRiskExchangeAddress
	}

	sig, err := a.SignTypedData(
		&apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
			VerifyingContract: verifyingContract,
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		apitypes.TypedDataMessage{
			"salt":          order.Salt,
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         order.Taker,
			"tokenId":       order.TokenID,
			"makerAmount":   order.MakerAmount.String(),
			"takerAmount":   order.TakerAmount.String(),
			"expiration":    order.Expiration,
			"nonce":         order.Nonce,
			"feeRateBps":    order.FeeRateBps,
			"side":          sideCode,
			"signatureType": strconv.Itoa(a.sigType),
		},
		"Order",
	)
	if err != nil {
		return fmt.Errorf("sign order: %w", err)
	}

	order.Signature = "0x" + common.Bytes2Hex(sig)
	return nil
}

// signClobAuth produces an EIP-712 signature for L1 authentication.
func (a *Auth) signClobAuth(timestamp string, nonce int) (string, error) {
	sig, err := a.SignTypedData(
		&apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		apitypes.TypedDataMessage{
			"address":   a.address.Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
		"ClobAuth",
	)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	return "0x" + common.Bytes2Hex(sig), nil
}

// SignTypedData signs EIP-712 typed data and adjusts V to 27/28.
func (a *Auth) SignTypedData(
	domain *apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// buildHMAC computes the HMAC-SHA256 signature for L2 auth.
// message = timestamp + method + requestPath [+ body]
func (a *Auth) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(a.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return sig, nil
}

// priceToAmounts converts a 0..1 price and a token quantity into the
// 6-decimal USDC maker/taker amounts the exchange expects.
//
// For BUY: the maker gives makerAmt USDC and receives takerAmt tokens.
// For SELL: the maker gives makerAmt tokens and receives takerAmt USDC.
func priceToAmounts(price, size float64, side string) (makerAmt, takerAmt *big.Int) {
	scale := new(big.Float).SetFloat64(1e6)

	sizeRounded := roundDown(size, 2)
	usdc := roundDown(sizeRounded*price, 4)

	sizeScaled, _ := new(big.Float).Mul(new(big.Float).SetFloat64(sizeRounded), scale).Int(nil)
	usdcScaled, _ := new(big.Float).Mul(new(big.Float).SetFloat64(usdc), scale).Int(nil)

	if side == "SELL" {
		return sizeScaled, usdcScaled
	}
	return usdcScaled, sizeScaled
}

// roundDown truncates a float to the given number of decimal places.
func roundDown(val float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return float64(int64(val*pow)) / pow
}
