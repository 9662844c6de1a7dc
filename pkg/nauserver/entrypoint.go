// The tape library server: configuration, bootstrap, reconciliation, jobs, metrics & admin CLI
package nauserver

import (
	"fmt"
	"os"
	"strconv"

	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/function61/gokit/systemdinstaller"
	"github.com/function61/nauha/pkg/logtee"
	"github.com/function61/nauha/pkg/nauserver/naudb"
	"github.com/function61/nauha/pkg/nautypes"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func Entrypoint() *cobra.Command {
	simulate := false

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Starts the tape library server",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			logTail := logtee.NewStringTail(50)

			// writes to upstream all end up in the sink, but logTail.Snapshot() only
			// returns the last "capacity" lines
			rootLogger := logex.StandardLoggerTo(logtee.NewLineSplitterTee(os.Stderr, func(line string) {
				logTail.Write(line)
			}))

			osutil.ExitIfError(runServer(
				osutil.CancelOnInterruptOrTerminate(rootLogger),
				simulate,
				logTail,
				rootLogger))
		},
	}

	cmd.Flags().BoolVarP(&simulate, "simulate", "", simulate, "Drive a simulated tape library instead of real hardware")

	cmd.AddCommand(tapesEntrypoint())
	cmd.AddCommand(tapeRegisterEntrypoint())
	cmd.AddCommand(tapeClearEntrypoint())
	cmd.AddCommand(tapeRetireEntrypoint())
	cmd.AddCommand(offerLogEntrypoint())

	cmd.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Installs systemd unit file to make nauha start on system boot",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			serviceFile := systemdinstaller.SystemdServiceFile(
				"nauha",
				"nauha tape library server",
				systemdinstaller.Args("server"),
				systemdinstaller.Docs("https://github.com/function61/nauha", "https://function61.com/"),
				systemdinstaller.RequireNetworkOnline)

			osutil.ExitIfError(systemdinstaller.Install(serviceFile))

			fmt.Println(systemdinstaller.GetHints(serviceFile))
		},
	})

	return cmd
}

func tapesEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "tapes",
		Short: "Lists tapes in the catalog",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withCatalog(func(_ *Config, catalog *naudb.Catalog) error {
				tapes, err := catalog.List()
				if err != nil {
					return err
				}

				return printTapes(os.Stdout, tapes, isatty.IsTerminal(os.Stdout.Fd()))
			}))
		},
	}
}

func tapeRegisterEntrypoint() *cobra.Command {
	slot := 0
	capacity := int64(0)
	cartridgeType := ""

	cmd := &cobra.Command{
		Use:   "tape-register [label] [barcode]",
		Short: "Introduces a cartridge to the catalog",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withCatalog(func(_ *Config, catalog *naudb.Catalog) error {
				location := nautypes.UnknownLocation // startup inventory will find it
				if slot > 0 {
					location = nautypes.SlotLocation(slot)
				}

				if _, err := catalog.Register(args[0], args[1], location); err != nil {
					return err
				}

				_, err := catalog.UpdateTape(args[0], func(tape *nautypes.Tape) error {
					tape.CapacityBytes = capacity
					tape.CartridgeType = cartridgeType
					return nil
				})
				return err
			}))
		},
	}

	cmd.Flags().IntVarP(&slot, "slot", "", slot, "Storage slot the cartridge is in")
	cmd.Flags().Int64VarP(&capacity, "capacity", "", capacity, "Native capacity in bytes")
	cmd.Flags().StringVarP(&cartridgeType, "type", "", cartridgeType, "Cartridge type, like LTO-6")

	return cmd
}

func tapeClearEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "tape-clear [label]",
		Short: "Marks a BUSY or CONFLICT tape FREE after manual inspection",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withCatalog(func(_ *Config, catalog *naudb.Catalog) error {
				_, err := catalog.ClearStatus(args[0])
				return err
			}))
		},
	}
}

func tapeRetireEntrypoint() *cobra.Command {
	return &cobra.Command{
		Use:   "tape-retire [label]",
		Short: "Stops writes to a tape. Its data stays readable",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			osutil.ExitIfError(withCatalog(func(_ *Config, catalog *naudb.Catalog) error {
				_, err := catalog.UpdateTape(args[0], func(tape *nautypes.Tape) error {
					tape.EndOfLife = true
					return nil
				})
				return err
			}))
		},
	}
}

func offerLogEntrypoint() *cobra.Command {
	limit := 100

	cmd := &cobra.Command{
		Use:   "offerlog [fromSequence]",
		Short: "Shows the offer's operation log",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			from := int64(1)
			if len(args) == 1 {
				var err error
				from, err = strconv.ParseInt(args[0], 10, 64)
				osutil.ExitIfError(err)
			}

			osutil.ExitIfError(withCatalog(func(conf *Config, catalog *naudb.Catalog) error {
				entries, err := catalog.OfferLog(conf.Offer.OfferID, from, limit)
				if err != nil {
					return err
				}

				return printOfferLog(os.Stdout, entries, isatty.IsTerminal(os.Stdout.Fd()))
			}))
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", limit, "Max entries")

	return cmd
}

// bbolt allows one process at a time, so these work while the server is stopped
func withCatalog(fn func(conf *Config, catalog *naudb.Catalog) error) error {
	conf, err := readConfigFile(configFilename)
	if err != nil {
		return err
	}

	catalog, err := naudb.Open(conf.DbLocation, nil)
	if err != nil {
		return err
	}
	defer catalog.Close()

	return fn(conf, catalog)
}
