package service_test

import (
	"context"
	"os"
	"testing"

	"go.uber.org/goleak"

	"github.com/proxygui/proxyd/internal/worker"
)

// helperEnv makes the test binary act as a relay worker, see workerCommand.
const helperEnv = "PROXYD_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if err := worker.Serve(context.Background(), os.Stdin, os.Stdout, worker.NewRelay()); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	goleak.VerifyTestMain(m)
}
