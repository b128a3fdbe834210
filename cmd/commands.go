package cmd

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newSweepCmd(svc *services) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire lapsed seat holds once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := svc.sweeper.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			log.Printf("Expired %d lapsed holds", n)
			return nil
		},
	}
}

func newReconcileCmd(svc *services) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "End stale bookings and finish interrupted transitions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			expired, expireErr := svc.ctrl.ExpireStale(ctx)
			log.Printf("Ended %d stale bookings", expired)

			reconciled, reconcileErr := svc.ctrl.Reconcile(ctx)
			log.Printf("Reconciled %d bookings", reconciled)
			return errors.Join(expireErr, reconcileErr)
		},
	}
}

// newHoldCmd holds seats from the ticket counter while a walk-in customer
// pays in cash. Ctrl-C releases them.
func newHoldCmd(svc *services) *cobra.Command {
	var (
		tripID   string
		seatIDs  []string
		holderID string
	)
	cmd := &cobra.Command{
		Use:   "hold",
		Short: "Hold seats for a counter sale until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if svc.cfg.LockBackend != "redis" {
				return errors.New("hold needs the shared redis lock backend")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return holdSeats(ctx, cmd.OutOrStdout(), svc.leases, svc.server, tripID, seatIDs, holderID, svc.clock)
		},
	}
	cmd.Flags().StringVar(&tripID, "trip", "", "trip id")
	cmd.Flags().StringSliceVar(&seatIDs, "seats", nil, "comma separated seat ids")
	cmd.Flags().StringVar(&holderID, "holder", "counter", "holder id recorded on the seats")
	_ = cmd.MarkFlagRequired("trip")
	_ = cmd.MarkFlagRequired("seats")
	return cmd
}
