package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cdpkit/cdpkit/internal/cdpctl/commands"
	"github.com/cdpkit/cdpkit/pkg/logger"
	"github.com/cdpkit/cdpkit/pkg/osutil"
	"github.com/cdpkit/cdpkit/pkg/resiliency"
)

const (
	errCommandError = 1
	errSetup        = 2
	errPanic        = 3
)

func main() {
	log := logger.New("cdpctl")
	defer func() {
		panicErr := resiliency.MakePanicError(recover(), log.Logger)
		if panicErr != nil {
			os.Stderr.WriteString(panicErr.Error() + string(osutil.LineSep()))
			log.Flush()
			os.Exit(errPanic)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := commands.NewRootCommand(log)
	if err != nil {
		commands.ErrorExit(log, err, errSetup)
	}

	err = root.ExecuteContext(ctx)
	if err != nil {
		commands.ErrorExit(log, err, errCommandError)
	} else {
		log.Flush()
	}
}
