package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ValentinKolb/dFrame/cmd/util"
	"github.com/ValentinKolb/dFrame/lib/lockmgr"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/ValentinKolb/dFrame/rpc/client"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	rpcLockMgr lockmgr.ILockManager

	acquireJob  string
	acquireMode string
	acquireWait time.Duration
	acquireTry  bool

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:               "lock",
		Short:             "Perform frame lock operations",
		PersistentPreRunE: setupLockClient,
	}

	// acquireCmd represents the acquire command
	acquireCmd = &cobra.Command{
		Use:   "acquire [frame]",
		Short: "Acquire a read or write lock on a frame",
		Long:  "Acquire a lock on a frame for a job. Without --job a new job id is generated and printed; it is needed to release the lock.",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	// releaseCmd represents the release command
	releaseCmd = &cobra.Command{
		Use:   "release [frame] [job]",
		Short: "Release a previously acquired lock",
		Long:  "Release the most recent lock the job holds on the frame. The job is the id printed by the acquire command.",
		Args:  cobra.ExactArgs(2),
		RunE:  runRelease,
	}

	// statusCmd represents the status command
	statusCmd = &cobra.Command{
		Use:   "status [frame]",
		Short: "Show the holders and waiters of a frame lock",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add subcommands to lock command
	LockCommands.AddCommand(acquireCmd)
	LockCommands.AddCommand(releaseCmd)
	LockCommands.AddCommand(statusCmd)

	// Add common RPC flags to the lock command
	util.SetupRPCClientFlags(LockCommands)

	// Add flags specific to acquire
	acquireCmd.Flags().StringVar(&acquireJob, "job", "", "job holding the lock (default: a new id)")
	acquireCmd.Flags().StringVar(&acquireMode, "mode", "write", "lock mode (read, write)")
	acquireCmd.Flags().DurationVar(&acquireWait, "wait", 30*time.Second, "how long to wait for the lock")
	acquireCmd.Flags().BoolVar(&acquireTry, "try", false, "fail instead of waiting if the lock is taken")
}

// setupLockClient initializes the lock manager client
func setupLockClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	conn, err := util.GetConnection()
	if err != nil {
		return err
	}

	// Create the lock manager client
	rpcLockMgr, err = client.NewRPCLockMgr(conn.Config, conn.Factory(), conn.Serializer)
	return err
}

// runAcquire handles the acquire lock command
func runAcquire(cmd *cobra.Command, args []string) error {
	frame := store.FrameKey(args[0])
	mode, err := lockmgr.ParseMode(acquireMode)
	if err != nil {
		return err
	}
	job := acquireJob
	if job == "" {
		job = uuid.NewString()
	}

	// Attempt to acquire the lock
	if acquireTry {
		err = rpcLockMgr.TryLock(cmd.Context(), frame, job, mode)
	} else {
		ctx, cancel := context.WithTimeout(cmd.Context(), acquireWait)
		defer cancel()
		err = rpcLockMgr.Lock(ctx, frame, job, mode)
	}
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	fmt.Printf("acquired=true, mode=%s, job=%s\n", mode, job)
	return nil
}

// runRelease handles the release lock command
func runRelease(cmd *cobra.Command, args []string) error {
	if err := rpcLockMgr.Unlock(cmd.Context(), store.FrameKey(args[0]), args[1]); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	fmt.Println("released=true")
	return nil
}

// runStatus prints the lock state as JSON
func runStatus(cmd *cobra.Command, args []string) error {
	state, err := rpcLockMgr.Status(cmd.Context(), store.FrameKey(args[0]))
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
