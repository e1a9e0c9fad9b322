// Package baozi implements the unified exchange contract for Baozi, an
// on-chain pari-mutuel venue. Market state lives in program accounts with
// fixed borsh layouts; prices are synthesized from stake pools and the
// order book contract is satisfied with a single synthetic level per side.
package baozi

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pmxt/pmxt-go/borsh"
	"github.com/pmxt/pmxt-go/models"
)

// Account discriminators: the 8-byte shape prefix the program writes at
// the start of every account. Dispatch compares these before decoding.
var (
	binaryMarketDiscriminator = []byte{0xdb, 0xbe, 0xd5, 0x37, 0x00, 0x2c, 0x86, 0x45}
	raceMarketDiscriminator   = []byte{0x9a, 0x1f, 0x4e, 0xd1, 0x62, 0x33, 0x0b, 0x7c}
	positionDiscriminator     = []byte{0x55, 0xc0, 0x21, 0x8f, 0x97, 0x4a, 0xee, 0x10}
)

// Market status bytes as written by the program.
const (
	marketStatusOpen     = 0
	marketStatusClosed   = 1
	marketStatusResolved = 2
)

const lamportsPerSOL = 1e9

// binaryMarket is the two-outcome market account.
type binaryMarket struct {
	Creator      string
	MarketID     uint64
	Title        string
	Description  string
	YesPool      uint64 // lamports
	NoPool       uint64 // lamports
	Status       uint8
	Winner       uint8
	HasWinner    bool
	ResolutionTS int64
	CreatedTS    int64
	Category     string
}

// decodeBinaryMarket walks the account layout. The bond and council-vote
// fields are read and discarded to keep the cursor aligned; the layout
// must be consumed byte-for-byte even where a field is unused.
func decodeBinaryMarket(r *borsh.Reader) (*binaryMarket, error) {
	var (
		m   binaryMarket
		err error
	)
	if m.Creator, err = r.PublicKey(); err != nil {
		return nil, fmt.Errorf("baozi: decode creator: %w", err)
	}
	if m.MarketID, err = r.U64(); err != nil {
		return nil, fmt.Errorf("baozi: decode market id: %w", err)
	}
	if m.Title, err = r.String(); err != nil {
		return nil, fmt.Errorf("baozi: decode title: %w", err)
	}
	if m.Description, err = r.String(); err != nil {
		return nil, fmt.Errorf("baozi: decode description: %w", err)
	}
	if m.YesPool, err = r.U64(); err != nil {
		return nil, fmt.Errorf("baozi: decode yes pool: %w", err)
	}
	if m.NoPool, err = r.U64(); err != nil {
		return nil, fmt.Errorf("baozi: decode no pool: %w", err)
	}
	if err = r.Skip(8); err != nil { // creator bond
		return nil, fmt.Errorf("baozi: skip bond: %w", err)
	}
	if err = r.Skip(2); err != nil { // council vote tallies
		return nil, fmt.Errorf("baozi: skip council votes: %w", err)
	}
	if m.Status, err = r.U8(); err != nil {
		return nil, fmt.Errorf("baozi: decode status: %w", err)
	}
	if m.Winner, m.HasWinner, err = r.OptionU8(); err != nil {
		return nil, fmt.Errorf("baozi: decode winner: %w", err)
	}
	if m.ResolutionTS, err = r.I64(); err != nil {
		return nil, fmt.Errorf("baozi: decode resolution ts: %w", err)
	}
	if m.CreatedTS, err = r.I64(); err != nil {
		return nil, fmt.Errorf("baozi: decode created ts: %w", err)
	}
	if m.Category, _, err = r.OptionString(); err != nil {
		return nil, fmt.Errorf("baozi: decode category: %w", err)
	}
	if err = r.Skip(8); err != nil { // reserved
		return nil, fmt.Errorf("baozi: skip reserved: %w", err)
	}
	return &m, nil
}

// raceMarket is the N-outcome market account.
type raceMarket struct {
	Creator      string
	MarketID     uint64
	Title        string
	Labels       []string
	Pools        []uint64 // lamports, one per outcome
	TotalPool    uint64
	Status       uint8
	Winner       uint8
	HasWinner    bool
	ResolutionTS int64
}

func decodeRaceMarket(r *borsh.Reader) (*raceMarket, error) {
	var (
		m   raceMarket
		err error
	)
	if m.Creator, err = r.PublicKey(); err != nil {
		return nil, fmt.Errorf("baozi: decode creator: %w", err)
	}
	if m.MarketID, err = r.U64(); err != nil {
		return nil, fmt.Errorf("baozi: decode market id: %w", err)
	}
	if m.Title, err = r.String(); err != nil {
		return nil, fmt.Errorf("baozi: decode title: %w", err)
	}
	count, err := r.U8()
	if err != nil {
		return nil, fmt.Errorf("baozi: decode outcome count: %w", err)
	}
	for i := 0; i < int(count); i++ {
		label, err := r.String()
		if err != nil {
			return nil, fmt.Errorf("baozi: decode outcome %d label: %w", i, err)
		}
		pool, err := r.U64()
		if err != nil {
			return nil, fmt.Errorf("baozi: decode outcome %d pool: %w", i, err)
		}
		m.Labels = append(m.Labels, label)
		m.Pools = append(m.Pools, pool)
	}
	if m.TotalPool, err = r.U64(); err != nil {
		return nil, fmt.Errorf("baozi: decode total pool: %w", err)
	}
	if err = r.Skip(8); err != nil { // creator bond
		return nil, fmt.Errorf("baozi: skip bond: %w", err)
	}
	if m.Status, err = r.U8(); err != nil {
		return nil, fmt.Errorf("baozi: decode status: %w", err)
	}
	if m.Winner, m.HasWinner, err = r.OptionU8(); err != nil {
		return nil, fmt.Errorf("baozi: decode winner: %w", err)
	}
	if m.ResolutionTS, err = r.I64(); err != nil {
		return nil, fmt.Errorf("baozi: decode resolution ts: %w", err)
	}
	if err = r.Skip(8); err != nil { // reserved
		return nil, fmt.Errorf("baozi: skip reserved: %w", err)
	}
	return &m, nil
}

// position is one wallet's stake in one market.
type position struct {
	Owner   string
	Market  string
	Outcome uint8
	Stake   uint64 // lamports
	Claimed bool
}

func decodePosition(r *borsh.Reader) (*position, error) {
	var (
		p   position
		err error
	)
	if p.Owner, err = r.PublicKey(); err != nil {
		return nil, fmt.Errorf("baozi: decode owner: %w", err)
	}
	if p.Market, err = r.PublicKey(); err != nil {
		return nil, fmt.Errorf("baozi: decode market: %w", err)
	}
	if p.Outcome, err = r.U8(); err != nil {
		return nil, fmt.Errorf("baozi: decode outcome: %w", err)
	}
	if p.Stake, err = r.U64(); err != nil {
		return nil, fmt.Errorf("baozi: decode stake: %w", err)
	}
	if p.Claimed, err = r.Bool(); err != nil {
		return nil, fmt.Errorf("baozi: decode claimed: %w", err)
	}
	return &p, nil
}

// binaryPrices derives implied probabilities from the two pools. The
// complement pool funds the payout, so each price is proportional to the
// other side's stake. An empty market defaults to even odds.
func binaryPrices(yesPool, noPool uint64) (yes, no float64) {
	total := float64(yesPool + noPool)
	if total == 0 {
		return 0.5, 0.5
	}
	return float64(noPool) / total, float64(yesPool) / total
}

// racePrices derives per-outcome probabilities for an N-outcome market.
// Each raw price is (total-pool)/(total*(n-1)) clamped to [0,1]; because
// the raw values do not sum to 1 for n > 2 they are renormalized against
// their own sum as a second step.
func racePrices(pools []uint64, total uint64) []float64 {
	n := len(pools)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	if total == 0 || n < 2 {
		for i := range out {
			out[i] = 1 / float64(n)
		}
		return out
	}

	sum := 0.0
	for i, pool := range pools {
		raw := (float64(total) - float64(pool)) / (float64(total) * float64(n-1))
		if raw < 0 {
			raw = 0
		} else if raw > 1 {
			raw = 1
		}
		out[i] = raw
		sum += raw
	}
	if sum == 0 {
		for i := range out {
			out[i] = 1 / float64(n)
		}
		return out
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// syntheticBook builds the one-level book a pari-mutuel market exposes:
// the implied probability as price on both sides, with the total pool (in
// SOL) as size. There is no real book to quote, so bid and ask coincide.
func syntheticBook(price, size float64) *models.OrderBook {
	return &models.OrderBook{
		Bids:      []models.Level{{Price: price, Size: size}},
		Asks:      []models.Level{{Price: price, Size: size}},
		Timestamp: time.Now(),
	}
}

func (m *binaryMarket) toMarket(address string) *models.Market {
	yesPrice, noPrice := binaryPrices(m.YesPool, m.NoPool)
	total := float64(m.YesPool+m.NoPool) / lamportsPerSOL

	out := &models.Market{
		MarketID:    address,
		Slug:        strconv.FormatUint(m.MarketID, 10),
		Title:       m.Title,
		Description: m.Description,
		Volume:      total,
		Liquidity:   total,
		Category:    m.Category,
		URL:         "https://baozi.bet/market/" + address,
		Closed:      m.Status != marketStatusOpen,
	}
	if m.ResolutionTS > 0 {
		out.ResolutionDate = time.Unix(m.ResolutionTS, 0)
	}
	out.Outcomes = []*models.Outcome{
		{OutcomeID: address + ":yes", MarketID: address, Label: "Yes", Price: yesPrice},
		{OutcomeID: address + ":no", MarketID: address, Label: "No", Price: noPrice},
	}
	out.LinkOutcomes()
	return out
}

func (m *raceMarket) toMarket(address string) *models.Market {
	prices := racePrices(m.Pools, m.TotalPool)
	total := float64(m.TotalPool) / lamportsPerSOL

	out := &models.Market{
		MarketID:  address,
		Slug:      strconv.FormatUint(m.MarketID, 10),
		Title:     m.Title,
		Volume:    total,
		Liquidity: total,
		URL:       "https://baozi.bet/market/" + address,
		Closed:    m.Status != marketStatusOpen,
	}
	if m.ResolutionTS > 0 {
		out.ResolutionDate = time.Unix(m.ResolutionTS, 0)
	}
	for i, label := range m.Labels {
		out.Outcomes = append(out.Outcomes, &models.Outcome{
			OutcomeID: address + ":" + strconv.Itoa(i),
			MarketID:  address,
			Label:     label,
			Price:     prices[i],
		})
	}
	out.LinkOutcomes()
	return out
}

// decodeMarketAccount dispatches on the discriminator and returns the
// unified market plus the pool state needed for book synthesis. Accounts
// with an unknown discriminator (positions, program config) return nil.
func decodeMarketAccount(address string, data []byte) (*models.Market, error) {
	if len(data) < borsh.DiscriminatorLen {
		return nil, fmt.Errorf("baozi: account %s too short for discriminator: %w",
			address, models.ErrBadRequest)
	}
	r := borsh.NewReader(data)
	disc, err := r.Discriminator()
	if err != nil {
		return nil, err
	}
	switch {
	case bytes.Equal(disc, binaryMarketDiscriminator):
		m, err := decodeBinaryMarket(r)
		if err != nil {
			return nil, err
		}
		return m.toMarket(address), nil
	case bytes.Equal(disc, raceMarketDiscriminator):
		m, err := decodeRaceMarket(r)
		if err != nil {
			return nil, err
		}
		return m.toMarket(address), nil
	default:
		return nil, nil
	}
}

// decodePositionAccount decodes a position account, returning nil for
// buffers carrying a different discriminator.
func decodePositionAccount(data []byte) (*position, error) {
	if len(data) < borsh.DiscriminatorLen {
		return nil, nil
	}
	r := borsh.NewReader(data)
	disc, err := r.Discriminator()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(disc, positionDiscriminator) {
		return nil, nil
	}
	return decodePosition(r)
}

// splitOutcomeID splits "<address>:<yes|no|index>" into its parts. A bare
// address means the yes side of a binary market.
func splitOutcomeID(outcomeID string) (address, outcome string) {
	if i := strings.LastIndexByte(outcomeID, ':'); i >= 0 {
		return outcomeID[:i], outcomeID[i+1:]
	}
	return outcomeID, "yes"
}
