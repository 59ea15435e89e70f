package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jnd-labs/avgate/internal/config"
	"github.com/jnd-labs/avgate/internal/scanner"
)

// Exit codes.
const (
	ExitSuccess    = 0
	ExitConfigErr  = 1
	ExitScanErr    = 2
	ExitDidNotFind = 3
)

// eicarTestString is the standard antivirus self-test file: every
// compliant scanner must report this as infected.
const eicarTestString = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

var (
	configPath = flag.String("config", "av_gate.ini", "path to av_gate.ini")
	timeout    = flag.Duration("timeout", 15*time.Second, "scanner dial/scan timeout")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(ExitConfigErr)
	}

	sc := buildScanner(cfg.Policy, *timeout)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := sc.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "scanner unreachable: %v\n", err)
		os.Exit(ExitScanErr)
	}
	fmt.Println("scanner liveness OK")

	verdict, err := sc.Scan(ctx, strings.NewReader(eicarTestString), int64(len(eicarTestString)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "scanning EICAR test string failed: %v\n", err)
		os.Exit(ExitScanErr)
	}

	if verdict.OK() {
		fmt.Fprintln(os.Stderr, "scanner did not flag the EICAR test string as infected")
		os.Exit(ExitDidNotFind)
	}

	fmt.Printf("scanner correctly flagged EICAR test string: signature=%s\n", verdict.Signature)
	os.Exit(ExitSuccess)
}

func buildScanner(policy config.GlobalPolicy, timeout time.Duration) scanner.Scanner {
	if policy.UsesClamAV() {
		return scanner.NewClamAVScanner(policy.ClamdSocket, timeout)
	}
	if policy.UsesICAP() {
		return scanner.NewICAPScanner(policy.ICAPHost, policy.ICAPPort, policy.ICAPService, policy.ICAPTLS, timeout)
	}
	log.Fatal("no scanner backend configured")
	return nil
}
