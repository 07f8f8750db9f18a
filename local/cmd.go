// Package local is a CLI over the embedded engine, for inspecting a
// data directory without a running server.
package local

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aep/strata/db"
	"github.com/aep/strata/engine"
	"github.com/aep/strata/krange"
	"github.com/spf13/cobra"
)

var dataDir string

var CMD = &cobra.Command{
	Use:   "local",
	Short: "direct engine access without a server",
}

func init() {
	def := os.Getenv("STRATA_DATA")
	if def == "" {
		def = "./data"
	}
	CMD.PersistentFlags().StringVar(&dataDir, "data", def, "database storage location")

	CMD.AddCommand(listCmd)
	CMD.AddCommand(scanCmd)
	CMD.AddCommand(getCmd)
	CMD.AddCommand(putCmd)
	CMD.AddCommand(delCmd)
}

func openEngine() engine.Engine {
	eng, err := engine.NewPebble(dataDir)
	if err != nil {
		panic(err)
	}
	return eng
}

// openDB opens an existing database at its stored version. Unlike a
// bare open this never creates one as a side effect.
func openDB(ctx context.Context, eng engine.Engine, name string) *db.DB {
	infos, err := db.Databases(ctx, eng)
	if err != nil {
		panic(err)
	}
	for _, info := range infos {
		if info.Name != name {
			continue
		}
		d, err := db.Open(ctx, eng, name, 0, nil).Await(ctx)
		if err != nil {
			panic(err)
		}
		return d
	}
	panic(fmt.Errorf("no such database: %s", name))
}

func splitRecordPath(arg string) (string, string, string) {
	parts := strings.SplitN(arg, "/", 3)
	if len(parts) != 3 {
		panic(fmt.Errorf("invalid path %q, expected db/store/key", arg))
	}
	return parts[0], parts[1], parts[2]
}

func splitStorePath(arg string) (string, string) {
	parts := strings.SplitN(arg, "/", 2)
	if len(parts) != 2 {
		panic(fmt.Errorf("invalid path %q, expected db/store", arg))
	}
	return parts[0], parts[1]
}

var listCmd = &cobra.Command{
	Use:   "ls",
	Short: "List databases and their stores",
	Run: func(cmd *cobra.Command, args []string) {
		eng := openEngine()
		defer eng.Close()

		infos, err := db.Databases(cmd.Context(), eng)
		if err != nil {
			panic(err)
		}
		for _, info := range infos {
			d := openDB(cmd.Context(), eng, info.Name)
			fmt.Printf("%s@%d %s\n", info.Name, info.Version, strings.Join(d.Stores(), " "))
			d.Close()
		}
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [db/store] [range]",
	Short: "List keys in a store",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		dbName, store := splitStorePath(args[0])

		rng := engine.Range{}
		if len(args) > 1 {
			var err error
			rng, err = krange.Parse(args[1])
			if err != nil {
				panic(err)
			}
		}

		eng := openEngine()
		defer eng.Close()
		d := openDB(cmd.Context(), eng, dbName)
		defer d.Close()

		kvs, err := d.Scan(cmd.Context(), store, rng, 0)
		if err != nil {
			panic(err)
		}
		for _, kv := range kvs {
			fmt.Println(escapeNonPrintable(kv.K))
		}
	},
}

var getCmd = &cobra.Command{
	Use:   "get [db/store/key]",
	Short: "Get value for a key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dbName, store, key := splitRecordPath(args[0])

		eng := openEngine()
		defer eng.Close()
		d := openDB(cmd.Context(), eng, dbName)
		defer d.Close()

		v, err := d.Get(cmd.Context(), store, []byte(key))
		if err != nil {
			panic(err)
		}
		if v == nil {
			panic(fmt.Errorf("not found: %s", args[0]))
		}
		fmt.Println(string(v))
	},
}

var putCmd = &cobra.Command{
	Use:   "put [db/store/key] [value]",
	Short: "Put a key-value pair",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		dbName, store, key := splitRecordPath(args[0])

		eng := openEngine()
		defer eng.Close()
		d := openDB(cmd.Context(), eng, dbName)
		defer d.Close()

		if err := d.Put(cmd.Context(), store, []byte(key), []byte(args[1])); err != nil {
			panic(err)
		}
	},
}

var delCmd = &cobra.Command{
	Use:     "del [db/store/key]",
	Aliases: []string{"rm"},
	Short:   "Delete a key-value pair",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dbName, store, key := splitRecordPath(args[0])

		eng := openEngine()
		defer eng.Close()
		d := openDB(cmd.Context(), eng, dbName)
		defer d.Close()

		if err := d.Delete(cmd.Context(), store, []byte(key)); err != nil {
			panic(err)
		}
	},
}

func escapeNonPrintable(b []byte) string {
	var result strings.Builder
	for _, c := range b {
		if c >= 32 && c <= 126 {
			result.WriteByte(c)
		} else {
			result.WriteString(fmt.Sprintf("\\x%02x", c))
		}
	}
	return result.String()
}
