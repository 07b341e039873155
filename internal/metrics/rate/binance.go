package rate

import (
	"context"
	"net/http"
	"strconv"

	binance "github.com/adshao/go-binance/v2"

	"tickflow/logger"
)

// FetchRequestWeightLimit queries the Binance exchangeInfo endpoint to
// retrieve the REQUEST_WEIGHT per minute limit. It returns 0 if the limit
// cannot be determined.
func FetchRequestWeightLimit(ctx context.Context, client *binance.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}

// ReportUsedWeight parses the used weight from the HTTP response headers and
// emits a single `used_weight` gauge for the given symbol.
func ReportUsedWeight(log *logger.Log, header http.Header, symbol string) {
	usedStr := header.Get("X-MBX-USED-WEIGHT-1m")
	if usedStr == "" {
		return
	}
	used, err := strconv.ParseInt(usedStr, 10, 64)
	if err != nil {
		return
	}

	l := log.WithComponent("depth_poller")
	l.LogMetric("depth_poller", "used_weight", used, "gauge", logger.Fields{"symbol": symbol})
}
