package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/agentmesh-io/agentmesh/internal/statefile"
)

const (
	balancesFile  = "balances.json"
	processedFile = "processed-deposits.json"
)

// load reads both persisted files into memory. Missing files mean a fresh
// data directory; corrupt files are logged and skipped so a damaged disk
// never blocks startup.
func (l *Ledger) load() error {
	if err := os.MkdirAll(l.dataDir, 0o750); err != nil {
		return fmt.Errorf("ledger: create data dir: %w", err)
	}

	var balances []*Balance
	if l.readFile(balancesFile, &balances) {
		for _, b := range balances {
			b.Wallet = normalize(b.Wallet)
			l.accounts[b.Wallet] = b
		}
	}

	var processed []string
	if l.readFile(processedFile, &processed) {
		for _, tx := range processed {
			l.processed[tx] = struct{}{}
		}
	}

	l.logger.Info("ledger state loaded",
		zap.Int("accounts", len(l.accounts)),
		zap.Int("processed_deposits", len(l.processed)),
	)
	return nil
}

// readFile unmarshals one data file into dst. Returns false when the file
// is absent or unreadable.
func (l *Ledger) readFile(name string, dst any) bool {
	found, err := statefile.Load(filepath.Join(l.dataDir, name), dst)
	if err != nil {
		l.logger.Warn("unreadable ledger file, starting empty",
			zap.String("file", name),
			zap.Error(err),
		)
		return false
	}
	return found
}

// persistBalances writes the balances file. Failures are logged, not
// returned: memory stays authoritative and the next mutation retries.
func (l *Ledger) persistBalances() {
	l.mu.RLock()
	balances := make([]*Balance, 0, len(l.accounts))
	for _, acct := range l.accounts {
		balances = append(balances, snapshot(acct))
	}
	l.mu.RUnlock()

	sort.Slice(balances, func(i, j int) bool { return balances[i].Wallet < balances[j].Wallet })
	if err := statefile.Save(filepath.Join(l.dataDir, balancesFile), balances); err != nil {
		l.logger.Error("failed to persist balances", zap.Error(err))
	}
}

// persistProcessed writes the processed-deposit set as a sorted array.
func (l *Ledger) persistProcessed() {
	l.mu.RLock()
	processed := make([]string, 0, len(l.processed))
	for tx := range l.processed {
		processed = append(processed, tx)
	}
	l.mu.RUnlock()

	sort.Strings(processed)
	if err := statefile.Save(filepath.Join(l.dataDir, processedFile), processed); err != nil {
		l.logger.Error("failed to persist processed deposits", zap.Error(err))
	}
}
