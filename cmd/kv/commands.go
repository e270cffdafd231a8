package kv

import (
	"fmt"
	"strconv"

	"github.com/ValentinKolb/dFrame/lib/db"
	"github.com/ValentinKolb/dFrame/lib/store"
	"github.com/spf13/cobra"
)

var (
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := parseKey(args[0])
			var opts []store.PutOption
			if n, _ := cmd.Flags().GetInt("replication"); n > 0 {
				opts = append(opts, store.WithReplication(n))
			}
			if durable, _ := cmd.Flags().GetBool("durable-cache"); durable {
				opts = append(opts, store.WithFlags(db.FlagDurableCache))
			}
			if err := rpcStore.Put(cmd.Context(), key, []byte(args[1]), opts...); err != nil {
				return err
			}
			fmt.Println("put successfully")
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := parseKey(args[0])
			ctx := cmd.Context()
			if fresh, _ := cmd.Flags().GetBool("fresh"); fresh {
				ctx = store.FreshRead(ctx)
			}
			v, ok, err := rpcStore.Get(ctx, key)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%v, stamp=%d, value=%s\n", key, ok, v.Stamp, v.Payload)
			return nil
		},
	}
	casCmd = &cobra.Command{
		Use:   "cas [key] [value] [expectedStamp]",
		Short: "Sets the value for a key if its current value has the expected stamp (0 = key missing)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			expect, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("expectedStamp must be a number: %w", err)
			}
			stamp, ok, err := rpcStore.CompareAndPut(cmd.Context(), parseKey(args[0]), []byte(args[1]), expect)
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, written=%t, stamp=%d\n", args[0], ok, stamp)
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := rpcStore.Remove(cmd.Context(), parseKey(args[0])); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	hasCmd = &cobra.Command{
		Use:   "has [key]",
		Short: "Checks if a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := rpcStore.Has(cmd.Context(), parseKey(args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%t\n", args[0], found)
			return nil
		},
	}
)

func init() {
	putCmd.Flags().Int("replication", 0, "number of copies of the value (0 = node default)")
	putCmd.Flags().Bool("durable-cache", false, "mark the value as a cache of an object stored in a persistent backend")
	getCmd.Flags().Bool("fresh", false, "ask the key's home instead of cached copies")
}

