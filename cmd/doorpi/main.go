// doorpi is a terminal client for DoorPi door unlock servers.
//
// It registers the device key on a server, unlocks the door after the user typed the
// device passphrase and lets admins manage the registered keys.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/Jyppino/DoorPi-App/internal/config"
)

var version = "dev" // set by the linker

func main() {
	_ = config.LoadDotEnv("")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := newRootCmd(deps{}).ExecuteContext(ctx)
	if nil != err {
		var rep reported
		if !errors.As(err, &rep) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		stop()
		os.Exit(1)
	}
}
