package main

import (
	"context"
	"fmt"
	"os"

	"iouchain/internal/chain"
	"iouchain/internal/chain/sim"
	"iouchain/internal/domain"
	"iouchain/internal/extractor"
	"iouchain/internal/iou"
	"iouchain/pkg/logger"
)

const contract = domain.Identity("0x048b115b438b2aa664289abc53beca7a0743f597")

var (
	alice = domain.Identity("0x00000000000000000000000000000000000000a1")
	bob   = domain.Identity("0x00000000000000000000000000000000000000b2")
	carol = domain.Identity("0x00000000000000000000000000000000000000c3")
	names = map[domain.Identity]string{alice: "Alice", bob: "Bob", carol: "Carol"}
)

// racingLedger lets Bob settle part of Carol's debt right before the next
// submission lands, so the path computed for it goes stale once.
type racingLedger struct {
	*sim.Chain
	armed bool
}

func (r *racingLedger) RecordDebt(ctx context.Context, req chain.RecordDebtRequest) (*chain.Receipt, error) {
	if r.armed {
		r.armed = false
		fmt.Println("    ! Bob settles 30 of Carol's debt before the submission lands")
		if _, err := r.Chain.RecordDebt(ctx, chain.RecordDebtRequest{
			Sender: bob, Creditor: carol, Amount: 30, Path: domain.Path{carol, bob}, NetAmount: 30,
		}); err != nil {
			return nil, err
		}
	}
	return r.Chain.RecordDebt(ctx, req)
}

func main() {
	fmt.Println("=========================================================")
	fmt.Println("IOU LEDGER - CYCLE NETTING SIMULATION")
	fmt.Println("=========================================================")
	fmt.Println("Scenario: 3 participants, circular debt, one stale path")
	fmt.Println("---------------------------------------------------------")

	ctx := context.Background()
	c := sim.New(contract)
	ledger := &racingLedger{Chain: c}
	log := logger.NewWithWriter("ledger-sim", os.Stderr, logger.LevelWarn)

	ex := extractor.New(ledger, chain.DefaultCodec(), extractor.Config{Contract: contract}, log)
	service := iou.NewService(ledger, ex, iou.Config{SubmitRetries: 3}, log)
	if err := service.Bootstrap(ctx); err != nil {
		fail(err)
	}

	fmt.Println("\n[1] Recording opening debts")
	submit(ctx, service, bob, alice, 100)
	submit(ctx, service, carol, bob, 50)

	fmt.Println("\n[2] Noise on the chain: a foreign call and a garbage payload")
	c.Inject(alice, domain.Identity("0x00000000000000000000000000000000000000ee"), []byte{0x01, 0x02})
	c.Inject(alice, contract, []byte("not an abi call"))
	if _, err := service.Refresh(ctx); err != nil {
		fail(err)
	}
	printBalances(service)

	fmt.Println("\n[3] Alice owes Carol 70; the cycle Carol->Bob->Alice can absorb part of it")
	preview, err := service.PrepareSubmission(ctx, alice, carol, 70)
	if err != nil {
		fail(err)
	}
	fmt.Printf("    Preview: path %s, net %d, residual %d\n", pathNames(preview.Path), preview.NetAmount, preview.Residual())

	ledger.armed = true
	submit(ctx, service, alice, carol, 70)
	printBalances(service)

	fmt.Println("\n[4] Final view")
	for _, p := range service.ListParticipants() {
		last, _ := service.LastActive(p)
		fmt.Printf("    %-6s owes %4d in total, last active at %d\n", names[p], service.TotalOwed(p), last)
	}

	snap := service.Snapshot()
	if snap.Balance(bob, alice) == 80 && snap.Balance(carol, bob) == 0 && snap.Balance(alice, carol) == 50 {
		fmt.Println("\n[SUCCESS] Netting survived a stale path and settled the cycle")
	} else {
		fmt.Println("\n[FAIL] Unexpected balances")
		os.Exit(1)
	}
}

func submit(ctx context.Context, service *iou.Service, debtor, creditor domain.Identity, amount domain.Amount) {
	receipt, err := service.SubmitIOU(ctx, debtor, creditor, amount)
	if err != nil {
		fail(err)
	}
	sub := receipt.Submission
	fmt.Printf("    %s owes %s %d (block %d, path %s, net %d)\n",
		names[debtor], names[creditor], amount, receipt.BlockNumber, pathNames(sub.Path), sub.NetAmount)
}

func printBalances(service *iou.Service) {
	fmt.Println("    Balances:")
	for _, e := range service.Snapshot().Edges() {
		fmt.Printf("      %s -> %s: %d\n", names[e.Debtor], names[e.Creditor], e.Amount)
	}
}

func pathNames(p domain.Path) string {
	if len(p) == 0 {
		return "none"
	}
	out := ""
	for i, id := range p {
		if i > 0 {
			out += "->"
		}
		out += names[id]
	}
	return out
}

func fail(err error) {
	fmt.Printf("Error: %v\n", err)
	os.Exit(1)
}
