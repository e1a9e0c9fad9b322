package exchange

import (
	"math"
	"testing"

	"github.com/pmxt/pmxt-go/models"
)

func depthBook() *models.OrderBook {
	return &models.OrderBook{
		Bids: []models.Level{{Price: 0.54, Size: 80}, {Price: 0.50, Size: 120}},
		Asks: []models.Level{{Price: 0.55, Size: 50}, {Price: 0.60, Size: 200}},
	}
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestExecutionDetail_BuyWithinBestLevel(t *testing.T) {
	ex := ExecutionDetail(depthBook(), models.OrderSideBuy, 50)
	if !almostEqual(ex.Price, 0.55) {
		t.Errorf("price = %v, want 0.55", ex.Price)
	}
	if !ex.FullyFilled || ex.FilledAmount != 50 {
		t.Errorf("fill = (%v, %v), want (50, fully filled)", ex.FilledAmount, ex.FullyFilled)
	}
}

func TestExecutionDetail_BuyAcrossLevels(t *testing.T) {
	// 50 @ 0.55 plus 50 @ 0.60 averages to 0.575.
	ex := ExecutionDetail(depthBook(), models.OrderSideBuy, 100)
	if !almostEqual(ex.Price, 0.575) {
		t.Errorf("price = %v, want 0.575", ex.Price)
	}
	if !ex.FullyFilled {
		t.Error("expected fully filled")
	}
}

func TestExecutionDetail_BuyExhaustsBook(t *testing.T) {
	ex := ExecutionDetail(depthBook(), models.OrderSideBuy, 500)
	if ex.FilledAmount != 250 {
		t.Errorf("filled = %v, want 250", ex.FilledAmount)
	}
	if ex.FullyFilled {
		t.Error("book only holds 250, must not report fully filled")
	}
	want := (50*0.55 + 200*0.60) / 250
	if !almostEqual(ex.Price, want) {
		t.Errorf("price = %v, want %v", ex.Price, want)
	}
}

func TestExecutionDetail_SellWalksBidsDownward(t *testing.T) {
	ex := ExecutionDetail(depthBook(), models.OrderSideSell, 100)
	want := (80*0.54 + 20*0.50) / 100
	if !almostEqual(ex.Price, want) {
		t.Errorf("price = %v, want %v", ex.Price, want)
	}
	if !ex.FullyFilled {
		t.Error("expected fully filled")
	}
}

func TestExecutionDetail_EmptySideAndZeroAmount(t *testing.T) {
	empty := &models.OrderBook{}
	if ex := ExecutionDetail(empty, models.OrderSideBuy, 10); ex != (Execution{}) {
		t.Errorf("empty book: got %+v, want zero", ex)
	}
	if ex := ExecutionDetail(depthBook(), models.OrderSideBuy, 0); ex != (Execution{}) {
		t.Errorf("zero amount: got %+v, want zero", ex)
	}
	if p := ExecutionPrice(nil, models.OrderSideBuy, 10); p != 0 {
		t.Errorf("nil book price = %v, want 0", p)
	}
}
