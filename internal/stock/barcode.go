package stock

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const barcodeAttempts = 5

// BarcodeGenerator derives unique variant barcodes: fixed-width product, size
// and color segments plus a base36 time suffix so re-adding the same
// combination later still yields a fresh code.
type BarcodeGenerator struct {
	exists   func(ctx context.Context, code string) (bool, error)
	now      func() time.Time
	attempts int
}

// NewBarcodeGenerator constructs a generator. exists checks the authoritative
// store for collisions.
func NewBarcodeGenerator(exists func(ctx context.Context, code string) (bool, error)) *BarcodeGenerator {
	return &BarcodeGenerator{exists: exists, now: time.Now, attempts: barcodeAttempts}
}

// WithNow overrides the clock for testing.
func (g *BarcodeGenerator) WithNow(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Generate returns a barcode unique among existing variants. On collision it
// resamples the clock, backing off briefly between bounded attempts.
func (g *BarcodeGenerator) Generate(ctx context.Context, productID, sizeID, colorID int64) (string, error) {
	for attempt := 0; attempt < g.attempts; attempt++ {
		code := g.compose(productID, sizeID, colorID)
		taken, err := g.exists(ctx, code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt+1) * time.Millisecond):
		}
	}
	return "", fmt.Errorf("%w: no unique code after %d attempts", ErrBarcodeGeneration, g.attempts)
}

func (g *BarcodeGenerator) compose(productID, sizeID, colorID int64) string {
	suffix := strings.ToUpper(strconv.FormatInt(g.now().UnixNano(), 36))
	if n := len(suffix); n > 10 {
		suffix = suffix[n-10:]
	}
	return fmt.Sprintf("%06d%03d%03d%s", productID%1000000, sizeID%1000, colorID%1000, suffix)
}
