// Command relorm inspects relorm schema files: it prints models and
// associations, renders the SQL of eager loads and checks a schema
// against a live database.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rezakhademix/relorm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relorm:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("RELORM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("driver", "sqlite3")

	root := &cobra.Command{
		Use:           "relorm",
		Short:         "Inspect relorm association schemas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cfg := v.GetString("config"); cfg != "" {
				v.SetConfigFile(cfg)
				if err := v.ReadInConfig(); err != nil {
					return errors.Wrapf(err, "read config %s", cfg)
				}
			}
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "config file (yaml or toml)")
	flags.StringP("schema", "s", "", "schema file")
	flags.String("driver", "", "database driver: sqlite3, pgx or mysql")
	flags.String("dsn", "", "database DSN")
	flags.Duration("timeout", 30*time.Second, "timeout for database commands")
	flags.BoolP("verbose", "v", false, "log statements")
	for _, name := range []string{"config", "schema", "driver", "dsn", "timeout", "verbose"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(newDescribeCmd(v), newSQLCmd(v), newCheckCmd(v))
	return root
}

func loadRegistry(v *viper.Viper) (*relorm.Registry, error) {
	path := v.GetString("schema")
	if path == "" {
		return nil, errors.New("--schema is required")
	}
	return relorm.LoadSchemaFile(path)
}

func openDatabase(v *viper.Viper) (*relorm.Database, error) {
	if v.GetString("dsn") == "" {
		return nil, errors.New("--dsn is required")
	}
	logger := zap.NewNop()
	if v.GetBool("verbose") {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return nil, err
		}
	}
	return relorm.Open(relorm.Config{
		Driver: v.GetString("driver"),
		DSN:    v.GetString("dsn"),
	}, relorm.WithLogger(logger))
}

func newDescribeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "describe [model...]",
		Short: "Print models and their resolved associations",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := loadRegistry(v)
			if err != nil {
				return err
			}
			if len(args) == 0 {
				r.Describe(cmd.OutOrStdout())
				return nil
			}
			for _, name := range args {
				m, err := r.Model(name)
				if err != nil {
					return err
				}
				m.Describe(cmd.OutOrStdout())
			}
			return nil
		},
	}
}

func newSQLCmd(v *viper.Viper) *cobra.Command {
	var (
		model string
		eager []string
		graph bool
		keys  []string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "sql",
		Short: "Print the SQL of a model query with eager loading",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := loadRegistry(v)
			if err != nil {
				return err
			}
			m, err := r.Model(model)
			if err != nil {
				return err
			}
			dialect, err := relorm.DialectFor(v.GetString("driver"))
			if err != nil {
				return err
			}
			db := relorm.New(nil, dialect)
			out := cmd.OutOrStdout()

			ds := db.Dataset(m)
			if limit > 0 {
				ds = ds.Limit(limit)
			}
			if graph {
				specs := make([]any, len(eager))
				for i, e := range eager {
					specs[i] = e
				}
				ds = ds.EagerGraph(specs...)
			}
			if err := printSQL(out, m.Name(), ds); err != nil {
				return err
			}
			if graph {
				return nil
			}

			// Batch loads take the owner keys of the main query's rows;
			// keys stands in for them.
			tuples := make([][]any, len(keys))
			for i, k := range keys {
				parts := strings.Split(k, ":")
				tuples[i] = make([]any, len(parts))
				for j, p := range parts {
					tuples[i][j] = p
				}
			}
			// A dotted path prints one batch query per level, each
			// run against the model loaded by the level above it.
			printed := make(map[string]bool)
			for _, path := range eager {
				cur, label := m, m.Name()
				for _, name := range strings.Split(path, ".") {
					a, err := cur.Association(name)
					if err != nil {
						return err
					}
					label += "." + name
					cur = a.Associated()
					if printed[label] {
						continue
					}
					printed[label] = true
					eds, err := a.EagerDataset(db, tuples)
					if err != nil {
						return err
					}
					if err := printSQL(out, label, eds); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&model, "model", "m", "", "model name")
	f.StringSliceVarP(&eager, "eager", "e", nil, "associations to load")
	f.BoolVar(&graph, "graph", false, "load the associations with JOINs")
	f.StringSliceVar(&keys, "keys", []string{"1", "2"}, "sample owner keys; composite keys use ':'")
	f.IntVar(&limit, "limit", 0, "limit of the main query")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func printSQL(w io.Writer, label string, ds *relorm.Dataset) error {
	q, args, err := ds.SQL()
	if err != nil {
		return errors.Wrapf(err, "render %s", label)
	}
	fmt.Fprintf(w, "-- %s\n%s;\n", label, q)
	if len(args) > 0 {
		fmt.Fprintf(w, "-- args: %v\n", args)
	}
	return nil
}

func newCheckCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify that every table and key column of the schema exists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := loadRegistry(v)
			if err != nil {
				return err
			}
			db, err := openDatabase(v)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), v.GetDuration("timeout"))
			defer cancel()
			if err := db.LoadSchema(ctx, r); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d models ok\n", len(r.Models()))
			return nil
		},
	}
}
