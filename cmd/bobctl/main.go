// Command bobctl is a thin gRPC client for manual Put/Get/Exist/Delete/
// Ping calls against a single node, plus a bobp-style bench subcommand
// for quick load generation (SPEC_FULL.md §9, original_source/bob-apps/
// bin/bobp.rs).
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/spf13/cobra"

	"github.com/jpl-au/bob/internal/bobgrpc"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bobctl: %v\n", err)
		os.Exit(1)
	}
}

var addr string

var rootCmd = &cobra.Command{
	Use:   "bobctl",
	Short: "bobctl talks to one Bob node over gRPC",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "address", "127.0.0.1:20000", "node gRPC address")
	rootCmd.AddCommand(putCmd, getCmd, existCmd, deleteCmd, pingCmd, benchCmd)
}

func dial(ctx context.Context) (bobgrpc.BobClient, func(), error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(bobgrpc.CodecName)))
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return bobgrpc.NewBobClient(conn), func() { conn.Close() }, nil
}

func parseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key must be hex-encoded: %w", err)
	}
	return key, nil
}

var putCmd = &cobra.Command{
	Use:   "put <hex-key> <value>",
	Short: "write a record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		client, closeFn, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		_, err = client.Put(cmd.Context(), &bobgrpc.PutRequest{
			Key:       key,
			Timestamp: uint64(time.Now().Unix()),
			Payload:   []byte(args[1]),
		})
		return err
	},
}

var getCmd = &cobra.Command{
	Use:   "get <hex-key>",
	Short: "read a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		client, closeFn, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		resp, err := client.Get(cmd.Context(), &bobgrpc.GetRequest{Key: key})
		if err != nil {
			return err
		}
		switch {
		case !resp.Found:
			fmt.Println("not found")
		case resp.Deleted:
			fmt.Printf("deleted at %d\n", resp.Timestamp)
		default:
			fmt.Printf("%s (timestamp %d)\n", resp.Payload, resp.Timestamp)
		}
		return nil
	},
}

var existCmd = &cobra.Command{
	Use:   "exist <hex-key> [hex-key...]",
	Short: "check presence of one or more keys",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keys := make([][]byte, len(args))
		for i, a := range args {
			k, err := parseKey(a)
			if err != nil {
				return err
			}
			keys[i] = k
		}
		client, closeFn, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		resp, err := client.Exist(cmd.Context(), &bobgrpc.ExistRequest{Keys: keys})
		if err != nil {
			return err
		}
		for i, a := range args {
			fmt.Printf("%s: %v\n", a, resp.Exists[i])
		}
		return nil
	},
}

var deleteForce bool

var deleteCmd = &cobra.Command{
	Use:   "delete <hex-key>",
	Short: "write a tombstone",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := parseKey(args[0])
		if err != nil {
			return err
		}
		client, closeFn, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		_, err = client.Delete(cmd.Context(), &bobgrpc.DeleteRequest{
			Key:       key,
			Timestamp: uint64(time.Now().Unix()),
			Force:     deleteForce,
		})
		return err
	},
}

func init() {
	deleteCmd.Flags().BoolVar(&deleteForce, "force", false, "delete even if the key was never seen locally")
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "probe a node's identity and reachability",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, closeFn, err := dial(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		resp, err := client.Ping(cmd.Context(), &bobgrpc.PingRequest{})
		if err != nil {
			return err
		}
		fmt.Printf("pong from %s\n", resp.NodeName)
		return nil
	},
}

var (
	benchCount       int
	benchConcurrency int
	benchPayloadSize int
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "fire N concurrent PUT/GET pairs and report latency percentiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := grpc.NewClient(addr,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype(bobgrpc.CodecName)))
		if err != nil {
			return fmt.Errorf("dialing %s: %w", addr, err)
		}
		defer conn.Close()
		client := bobgrpc.NewBobClient(conn)

		payload := make([]byte, benchPayloadSize)
		for i := range payload {
			payload[i] = byte(i)
		}

		var (
			mu        sync.Mutex
			latencies []time.Duration
			failures  atomic.Int64
		)

		sem := make(chan struct{}, benchConcurrency)
		var wg sync.WaitGroup
		for i := 0; i < benchCount; i++ {
			sem <- struct{}{}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				defer func() { <-sem }()

				key := make([]byte, 8)
				for b := 0; b < 8; b++ {
					key[b] = byte(i >> (8 * b))
				}

				start := time.Now()
				ctx := cmd.Context()
				_, putErr := client.Put(ctx, &bobgrpc.PutRequest{Key: key, Timestamp: uint64(time.Now().UnixNano()), Payload: payload})
				_, getErr := client.Get(ctx, &bobgrpc.GetRequest{Key: key})
				elapsed := time.Since(start)

				if putErr != nil || getErr != nil {
					failures.Add(1)
					return
				}
				mu.Lock()
				latencies = append(latencies, elapsed)
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		report(latencies, failures.Load())
		return nil
	},
}

func init() {
	benchCmd.Flags().IntVar(&benchCount, "count", 1000, "number of PUT/GET pairs to run")
	benchCmd.Flags().IntVar(&benchConcurrency, "concurrency", 16, "number of requests in flight at once")
	benchCmd.Flags().IntVar(&benchPayloadSize, "payload-size", 1024, "bytes per PUT payload")
}

func report(latencies []time.Duration, failures int64) {
	if len(latencies) == 0 {
		fmt.Printf("all %d requests failed\n", failures)
		return
	}
	percentile := func(p float64) time.Duration {
		idx := int(p * float64(len(latencies)-1))
		return latencies[idx]
	}
	fmt.Printf("ok=%d failed=%d\n", len(latencies), failures)
	fmt.Printf("p50=%s p90=%s p99=%s max=%s\n",
		percentile(0.50), percentile(0.90), percentile(0.99), latencies[len(latencies)-1])
}
