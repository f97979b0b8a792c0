package app

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iliyamo/transit-seat-reservation/internal/database"
	"github.com/iliyamo/transit-seat-reservation/internal/livestate"
	"github.com/iliyamo/transit-seat-reservation/internal/logger"
	"github.com/iliyamo/transit-seat-reservation/internal/model"
	"github.com/iliyamo/transit-seat-reservation/internal/queue"
	"github.com/iliyamo/transit-seat-reservation/internal/reservation"
	"github.com/iliyamo/transit-seat-reservation/internal/store"
)

// session is what a subcommand works against.
type session struct {
	store store.Store
	coord *reservation.Coordinator
	close func()
}

// opener connects a session.  Tests swap in the memory store.
type opener func(ctx context.Context, o *Options, log *zap.Logger) (*session, error)

func openMySQL(ctx context.Context, o *Options, log *zap.Logger) (*session, error) {
	db, err := database.Open(ctx, o.dbConfig(), log)
	if err != nil {
		return nil, err
	}
	st := store.NewMySQLStore(db, log, time.Second)
	if err := st.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &session{store: st, close: func() { _ = db.Close() }}
	var events reservation.EventPublisher
	if o.RabbitURL != "" {
		pub := queue.NewPublisher(o.RabbitURL, log)
		events = pub
		s.close = func() { pub.Close(); _ = db.Close() }
	}
	s.coord = reservation.New(st, nil, events, log, reservation.Options{Timeout: o.Timeout})
	return s, nil
}

// NewRootCommand builds the fleetctl command tree.
func NewRootCommand(ctx context.Context) *cobra.Command {
	return newRootCommand(ctx, openMySQL)
}

func newRootCommand(ctx context.Context, open opener) *cobra.Command {
	opts := NewOptions()
	cmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Operate the transit fleet and its seat reservations",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().AddFlagSet(opts.Flags())

	// with runs fn against a fresh session bounded by --timeout.
	with := func(fn func(ctx context.Context, s *session, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(c *cobra.Command, _ []string) error {
			log, err := logger.New(logger.Options{Level: opts.LogLevel, Format: "console", OutputPaths: []string{"stderr"}})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
			s, err := open(ctx, opts, log)
			if err != nil {
				return err
			}
			defer s.close()
			return fn(ctx, s, c.OutOrStdout())
		}
	}

	cmd.AddCommand(
		newVehiclesCommand(with),
		newSeatsCommand(with),
		newHoldCommand(with),
		newConfirmCommand(with),
		newCancelCommand(with),
		newTokenCommand(),
	)
	return cmd
}

type runner func(fn func(ctx context.Context, s *session, out io.Writer) error) func(*cobra.Command, []string) error

func newVehiclesCommand(with runner) *cobra.Command {
	cmd := &cobra.Command{Use: "vehicles", Short: "List and register vehicles"}

	list := &cobra.Command{
		Use:   "list",
		Short: "Show every vehicle with its online status, ETA and seat usage",
		Args:  cobra.NoArgs,
	}
	list.RunE = with(func(ctx context.Context, s *session, out io.Writer) error {
		vs, err := s.store.List(ctx)
		if err != nil {
			return err
		}
		now := time.Now()
		table := uitable.New()
		table.MaxColWidth = 40
		table.AddRow("ID", "ROUTE", "ONLINE", "ETA", "SEATS", "DRIVER", "PLATE", "LAST UPDATE")
		for _, v := range vs {
			last := "-"
			if !v.LastUpdated.IsZero() {
				last = now.Sub(v.LastUpdated).Truncate(time.Second).String() + " ago"
			}
			table.AddRow(v.ID, v.Route, livestate.Online(v.LastUpdated, now, livestate.DefaultStaleness),
				orDash(v.ETA), fmt.Sprintf("%d/%d", len(v.Seats.Taken), v.Seats.Total), orDash(v.Driver), orDash(v.Plate), last)
		}
		_, err = fmt.Fprintln(out, table)
		return err
	})

	var reg struct {
		id, route, driver, plate string
		seats                    int
	}
	register := &cobra.Command{
		Use:   "register",
		Short: "Register a vehicle",
		Args:  cobra.NoArgs,
	}
	register.Flags().StringVar(&reg.id, "id", "", "vehicle id")
	register.Flags().StringVar(&reg.route, "route", "", "route id")
	register.Flags().IntVar(&reg.seats, "seats", 0, "seat capacity")
	register.Flags().StringVar(&reg.driver, "driver", "", "driver name")
	register.Flags().StringVar(&reg.plate, "plate", "", "licence plate")
	_ = register.MarkFlagRequired("id")
	_ = register.MarkFlagRequired("seats")
	register.RunE = with(func(ctx context.Context, s *session, out io.Writer) error {
		if reg.seats < 1 {
			return fmt.Errorf("--seats must be at least 1")
		}
		v := model.Vehicle{ID: reg.id, Route: reg.route, Driver: reg.driver, Plate: reg.plate, Seats: model.SeatMap{Total: reg.seats}}
		v.Seats.Normalize()
		if err := s.store.Create(ctx, v); err != nil {
			return err
		}
		_, err := fmt.Fprintf(out, "registered %s (%d seats)\n", v.ID, v.Seats.Total)
		return err
	})

	cmd.AddCommand(list, register)
	return cmd
}

func newSeatsCommand(with runner) *cobra.Command {
	var viewer string
	cmd := &cobra.Command{
		Use:   "seats <vehicle>",
		Short: "Print a vehicle's seat grid",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&viewer, "viewer", "", "show seats held by this occupant as RESERVED_BY_VIEWER")
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return with(func(ctx context.Context, s *session, out io.Writer) error {
			seats, err := s.coord.SeatStates(ctx, args[0], viewer)
			if err != nil {
				return err
			}
			table := uitable.New()
			table.AddRow("SEAT", "STATE")
			for _, sv := range seats {
				table.AddRow(sv.Seat, sv.State)
			}
			_, err = fmt.Fprintln(out, table)
			return err
		})(c, args)
	}
	return cmd
}

func seatArg(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("seat %q is not a number", s)
	}
	return n, nil
}

func printReservation(out io.Writer, r model.Reservation) error {
	if r.State == model.ReservationNone {
		_, err := fmt.Fprintf(out, "%s has no reservation\n", r.Occupant)
		return err
	}
	_, err := fmt.Fprintf(out, "%s %s seat %d on %s\n", r.Occupant, strings.ToLower(string(r.State)), r.Seat, r.VehicleID)
	return err
}

func newHoldCommand(with runner) *cobra.Command {
	var occupant string
	cmd := &cobra.Command{
		Use:   "hold <vehicle> <seat>",
		Short: "Hold a seat for an occupant, releasing their reservation elsewhere",
		Args:  cobra.ExactArgs(2),
	}
	cmd.Flags().StringVar(&occupant, "occupant", "", "occupant id")
	_ = cmd.MarkFlagRequired("occupant")
	cmd.RunE = func(c *cobra.Command, args []string) error {
		seat, err := seatArg(args[1])
		if err != nil {
			return err
		}
		return with(func(ctx context.Context, s *session, out io.Writer) error {
			r, err := s.coord.Hold(ctx, occupant, args[0], seat)
			if err != nil {
				return err
			}
			return printReservation(out, r)
		})(c, args)
	}
	return cmd
}

func newConfirmCommand(with runner) *cobra.Command {
	var occupant string
	cmd := &cobra.Command{
		Use:   "confirm <vehicle> <seat>",
		Short: "Confirm an occupant's held seat",
		Args:  cobra.ExactArgs(2),
	}
	cmd.Flags().StringVar(&occupant, "occupant", "", "occupant id")
	_ = cmd.MarkFlagRequired("occupant")
	cmd.RunE = func(c *cobra.Command, args []string) error {
		seat, err := seatArg(args[1])
		if err != nil {
			return err
		}
		return with(func(ctx context.Context, s *session, out io.Writer) error {
			r, err := s.coord.Confirm(ctx, occupant, args[0], seat)
			if err != nil {
				return err
			}
			return printReservation(out, r)
		})(c, args)
	}
	return cmd
}

func newCancelCommand(with runner) *cobra.Command {
	var occupant string
	cmd := &cobra.Command{
		Use:   "cancel <vehicle>",
		Short: "Cancel an occupant's reservation on a vehicle",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&occupant, "occupant", "", "occupant id")
	_ = cmd.MarkFlagRequired("occupant")
	cmd.RunE = func(c *cobra.Command, args []string) error {
		return with(func(ctx context.Context, s *session, out io.Writer) error {
			r, err := s.coord.Cancel(ctx, occupant, args[0])
			if err != nil {
				return err
			}
			if r.State == model.ReservationNone {
				return printReservation(out, r)
			}
			_, err = fmt.Fprintf(out, "%s cancelled on %s\n", occupant, args[0])
			return err
		})(c, args)
	}
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
