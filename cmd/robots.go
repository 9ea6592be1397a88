package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/robodyne/robosync/internal/auth"
	"github.com/robodyne/robosync/internal/model"
	"github.com/robodyne/robosync/internal/registry"
	"github.com/robodyne/robosync/internal/tasks"
	"github.com/robodyne/robosync/internal/view"
)

var (
	robotFlags   = &robotArgs{}
	optimistic   bool
	clearBattery bool
)

// nolint:govet // prefer to keep field ordering as is
type robotArgs struct {
	Name               string
	Type               string
	Status             string
	Battery            int
	Description        string
	SerialNumber       string
	ConnectionProtocol string
}

var robotsCmd = &cobra.Command{
	Use:   "robots",
	Short: "Manage the robots of an owner",
}

var robotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the owner's robots",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd.Context(), func(ctx context.Context, state *view.State, _ *registry.Registry, _ string) error {
			if err := state.Refresh(ctx); err != nil {
				return err
			}

			summary := state.Summary()
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d robots)\n", summary.Message, summary.Count)

			return printJSON(cmd, state.Robots())
		})
	},
}

var robotsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a robot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withSession(cmd.Context(), func(ctx context.Context, state *view.State, _ *registry.Registry, _ string) error {
			state.NewDraft()

			for field, value := range changedFields(cmd) {
				if err := state.SetField(field, value); err != nil {
					return err
				}
			}

			created, err := state.Save(ctx, false)
			if err != nil && created == nil {
				return err
			}

			if perr := printJSON(cmd, created); perr != nil {
				return perr
			}

			return err
		})
	},
}

var robotsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Merge-patch a robot with the given flags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, cmdArgs []string) error {
		fields := changedFields(cmd)
		if clearBattery {
			fields[model.FieldBattery] = nil
		}

		patch, err := model.PatchFromFields(fields)
		if err != nil {
			return err
		}

		if patch.IsEmpty() {
			return errors.Wrap(model.ErrInvalidRecord, "nothing to update")
		}

		return withSession(cmd.Context(), func(ctx context.Context, state *view.State, _ *registry.Registry, _ string) error {
			if err := state.Refresh(ctx); err != nil {
				return err
			}

			if err := state.Update(ctx, cmdArgs[0], patch, optimistic); err != nil {
				return err
			}

			for _, r := range state.Robots() {
				if r.ID == cmdArgs[0] {
					return printJSON(cmd, r)
				}
			}

			return nil
		})
	},
}

var robotsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a robot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, cmdArgs []string) error {
		return withSession(cmd.Context(), func(ctx context.Context, state *view.State, _ *registry.Registry, _ string) error {
			return state.Delete(ctx, cmdArgs[0])
		})
	},
}

var robotsImportCmd = &cobra.Command{
	Use:   "import <manifest.yaml>",
	Short: "Import the robots listed in a YAML manifest",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, cmdArgs []string) error {
		manifest, err := os.ReadFile(cmdArgs[0])
		if err != nil {
			return err
		}

		return withSession(cmd.Context(), func(ctx context.Context, _ *view.State, reg *registry.Registry, ownerID string) error {
			runner := tasks.NewTaskRunner(tasks.LogPublisher{}, tasks.NewImportTask(manifest))
			if err := runner.Run(ctx, &tasks.Env{Registry: reg, OwnerID: ownerID}); err != nil {
				return err
			}

			return printJSON(cmd, runner.Status())
		})
	},
}

func init() {
	robotsCmd.PersistentFlags().
		StringVar(&args.Owner, "owner", "", "owner id the command acts for (default $"+model.DefaultOwnerEnv+")")

	for _, c := range []*cobra.Command{robotsCreateCmd, robotsUpdateCmd} {
		c.Flags().StringVar(&robotFlags.Name, model.FieldName, "", "robot name")
		c.Flags().StringVar(&robotFlags.Type, model.FieldType, "", "robot type - "+strings.Join(model.RobotTypes, ", "))
		c.Flags().StringVar(&robotFlags.Status, model.FieldStatus, "", "robot status, e.g. idle, connected")
		c.Flags().IntVar(&robotFlags.Battery, model.FieldBattery, 0, "battery level 0-100")
		c.Flags().StringVar(&robotFlags.Description, model.FieldDescription, "", "description")
		c.Flags().StringVar(&robotFlags.SerialNumber, model.FieldSerialNumber, "", "serial number")
		c.Flags().StringVar(&robotFlags.ConnectionProtocol, model.FieldConnectionProtocol, "", "connection protocol")
	}

	robotsUpdateCmd.Flags().BoolVar(&clearBattery, "clear-battery", false, "set battery to unknown")
	robotsUpdateCmd.Flags().BoolVar(&optimistic, "optimistic", false, "apply the patch locally instead of reloading")
	robotsUpdateCmd.MarkFlagsMutuallyExclusive(model.FieldBattery, "clear-battery")

	robotsCmd.AddCommand(robotsListCmd, robotsCreateCmd, robotsUpdateCmd, robotsDeleteCmd, robotsImportCmd)
	rootCmd.AddCommand(robotsCmd)
}

// changedFields returns the robot fields set on the command line.
func changedFields(cmd *cobra.Command) model.Fields {
	fields := model.Fields{}

	set := func(name string, value any) {
		if cmd.Flags().Changed(name) {
			fields[name] = value
		}
	}

	set(model.FieldName, robotFlags.Name)
	set(model.FieldType, robotFlags.Type)
	set(model.FieldStatus, robotFlags.Status)
	set(model.FieldBattery, robotFlags.Battery)
	set(model.FieldDescription, robotFlags.Description)
	set(model.FieldSerialNumber, robotFlags.SerialNumber)
	set(model.FieldConnectionProtocol, robotFlags.ConnectionProtocol)

	return fields
}

func currentOwner() string {
	if args.Owner != "" {
		return args.Owner
	}

	return os.Getenv(model.DefaultOwnerEnv)
}

type sessionFunc func(ctx context.Context, state *view.State, reg *registry.Registry, ownerID string) error

// withSession opens the configured store and runs fn with a view session for the current owner.
func withSession(ctx context.Context, fn sessionFunc) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	ownerID, err := auth.RequireOwner(ctx, auth.Static(currentOwner()))
	if err != nil {
		return errors.Wrap(err, "set --owner or $"+model.DefaultOwnerEnv)
	}

	reg, repository, err := openRegistry(ctx, config)
	if err != nil {
		return err
	}
	defer repository.Close()

	return fn(ctx, view.New(reg, auth.Static(ownerID)), reg, ownerID)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
