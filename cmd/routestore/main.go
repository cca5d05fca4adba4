package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/zalando/routestore"
	"github.com/zalando/routestore/route"
)

const usage = `usage: routestore [flags] <command> [args]

commands:
  get <path>            print the route registered at path
  set <path> <json>     register or replace the route at path
  update <path> <json>  merge fields into the existing route at path
  del <path>            remove the route at path
  list                  print the whole table
  resolve <path>        print the most specific route matching path
  clear                 remove all routes, see -keep-root
`

func main() {
	var (
		conn      string
		namespace string
		keepRoot  bool
		verbose   bool
	)

	flag.StringVar(&conn, "redis", "", "redis connection string, falls back to "+routestore.DefaultEnvVar)
	flag.StringVar(&namespace, "namespace", routestore.DefaultNamespace, "redis hash holding the route table")
	flag.BoolVar(&keepRoot, "keep-root", false, "preserve the root route on clear")
	flag.BoolVar(&verbose, "verbose", false, "enable debug logging")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}

	flag.Parse()
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	s, err := routestore.New(routestore.Options{
		ConnectionString: conn,
		Namespace:        namespace,
	})
	if err != nil {
		log.Fatalf("Failed to create store: %v", err)
	}

	defer s.Close()

	if err := run(s, keepRoot, args); err != nil {
		log.Fatal(err)
	}
}

func run(s *routestore.Store, keepRoot bool, args []string) error {
	ctx := context.Background()
	command, args := args[0], args[1:]

	path := func() string {
		if len(args) < 1 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		return args[0]
	}

	record := func() *route.Route {
		if len(args) < 2 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		r, err := route.Decode(args[1])
		if err != nil {
			log.Fatalf("Invalid route: %v", err)
		}
		return r
	}

	switch command {
	case "get":
		r, err := s.Get(ctx, path())
		if err != nil {
			return err
		}
		if r == nil {
			return fmt.Errorf("no route at %s", path())
		}
		return print(r)
	case "set":
		return s.Add(ctx, path(), record())
	case "update":
		return s.Update(ctx, path(), record())
	case "del":
		return s.Remove(ctx, path())
	case "list":
		table, err := s.GetAll(ctx)
		if err != nil {
			return err
		}
		for key, r := range table {
			v, err := route.Encode(r)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", key, v)
		}
		return nil
	case "resolve":
		m, err := s.Resolve(ctx, path())
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("no route matches %s", path())
		}
		fmt.Println(m.Key)
		return print(m.Route)
	case "clear":
		return s.Clear(ctx, keepRoot)
	default:
		flag.Usage()
		os.Exit(2)
		return nil
	}
}

func print(r *route.Route) error {
	v, err := route.Encode(r)
	if err != nil {
		return err
	}

	fmt.Println(v)
	return nil
}
