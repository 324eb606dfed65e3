package app

import (
	"context"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"engwewatch/internal/catalog"
	"engwewatch/internal/events"
	"engwewatch/internal/fetcher"
	"engwewatch/internal/monitor"
	"engwewatch/internal/scheduler"
	"engwewatch/internal/service"
	"engwewatch/internal/storage"
)

const simulatedKey = "engwe-simulated-bike"

// SimulateAlert 构造一个会触发指定类别告警的基线/当前目录对,
// 在临时存储上完整执行一次扫描流程, 告警通过已配置的通道发送。
func (a *App) SimulateAlert(ctx context.Context, name string) (service.Report, error) {
	category, err := monitor.ParseCategory(name)
	if err != nil {
		return service.Report{}, err
	}

	now := time.Now().UTC()
	baseline, current, err := simulatedCatalogs(category, a.Config.Monitoring.LowStockThreshold, now)
	if err != nil {
		return service.Report{}, err
	}

	dir, err := os.MkdirTemp("", "engwewatch-simulate-*")
	if err != nil {
		return service.Report{}, errors.Wrap(err, "create simulation store")
	}
	defer os.RemoveAll(dir)

	store, err := storage.NewFileStore(dir, a.Logger)
	if err != nil {
		return service.Report{}, err
	}
	defer store.Close()
	if err := store.Commit(ctx, baseline); err != nil {
		return service.Report{}, err
	}

	static := fetcher.Func(func(context.Context) (*catalog.Snapshot, error) {
		return current, nil
	})
	svc := service.New(a.Config.Monitoring, static, store, a.newDispatcher(store), events.Nop{}, a.Logger)
	return svc.Scan(ctx, scheduler.TriggerManual)
}

func simulatedCatalogs(category monitor.Category, lowStock int, now time.Time) (*catalog.Snapshot, *catalog.Snapshot, error) {
	before := catalog.ProductSnapshot{
		Key:       simulatedKey,
		Title:     "ENGWE Simulated Bike",
		URL:       "https://engwe.com/products/" + simulatedKey,
		Price:     decimal.RequireFromString("1299.00"),
		Stock:     catalog.KnownStock((lowStock + 1) * 100),
		Available: true,
		Variants:  []string{"Black"},
		LastSeen:  now.Add(-time.Hour),
	}
	after := before
	after.LastSeen = now

	var previous []catalog.ProductSnapshot
	switch category {
	case monitor.CategoryNewProduct:
	case monitor.CategoryOutOfStock:
		previous = []catalog.ProductSnapshot{before}
		after.Stock = catalog.KnownStock(0)
		after.Available = false
	case monitor.CategoryLowStock:
		if lowStock < 1 {
			return nil, nil, errors.New("low stock threshold is 0; LOW_STOCK cannot fire")
		}
		previous = []catalog.ProductSnapshot{before}
		after.Stock = catalog.KnownStock(lowStock)
	case monitor.CategoryStockDrop:
		previous = []catalog.ProductSnapshot{before}
		after.Stock = catalog.KnownStock(lowStock + 1)
	case monitor.CategoryPriceChange:
		previous = []catalog.ProductSnapshot{before}
		after.Price = before.Price.Sub(decimal.NewFromInt(100))
	default:
		return nil, nil, errors.Newf("cannot simulate %s", category)
	}

	baseline, err := catalog.NewSnapshot(now.Add(-time.Hour), previous)
	if err != nil {
		return nil, nil, err
	}
	current, err := catalog.NewSnapshot(now, []catalog.ProductSnapshot{after})
	if err != nil {
		return nil, nil, err
	}
	return baseline, current, nil
}
