package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/aep/strata/api"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

var (
	file           string
	server         string
	caCertPath     string
	clientCertPath string
	clientKeyPath  string
	scanLimit      int
	scanReverse    bool

	dbCmd = &cobra.Command{
		Use:   "db",
		Short: "Manage databases",
	}

	dbCreateCmd = &cobra.Command{
		Use:     "create",
		Aliases: []string{"apply"},
		Short:   "Create or upgrade databases from file",
		Run:     dbCreate,
	}

	dbLsCmd = &cobra.Command{
		Use:   "ls",
		Short: "List databases",
		Run:   dbLs,
	}

	dbInfoCmd = &cobra.Command{
		Use:   "info [db]",
		Short: "Show one database",
		Args:  cobra.ExactArgs(1),
		Run:   dbInfo,
	}

	dbRmCmd = &cobra.Command{
		Use:   "rm [db]",
		Short: "Delete a database and everything in it",
		Args:  cobra.ExactArgs(1),
		Run:   dbRm,
	}

	putCmd = &cobra.Command{
		Use:   "put [db/store/key] [json]",
		Short: "Put a record",
		Args:  cobra.RangeArgs(1, 2),
		Run:   put,
	}

	getCmd = &cobra.Command{
		Use:   "get [db/store/key]",
		Short: "Get a record",
		Args:  cobra.ExactArgs(1),
		Run:   get,
	}

	editCmd = &cobra.Command{
		Use:   "edit [db/store/key]",
		Short: "Edit a record",
		Args:  cobra.ExactArgs(1),
		Run:   edit,
	}

	delCmd = &cobra.Command{
		Use:   "del [db/store/key]",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		Run:   del,
	}

	scanCmd = &cobra.Command{
		Use:   "scan [db/store] [range]",
		Short: "List records in key order",
		Args:  cobra.RangeArgs(1, 2),
		Run:   scan,
	}

	countCmd = &cobra.Command{
		Use:   "count [db/store] [range]",
		Short: "Count records",
		Args:  cobra.RangeArgs(1, 2),
		Run:   count,
	}

	watchCmd = &cobra.Command{
		Use:   "watch [subject]",
		Short: "Stream committed changes",
		Args:  cobra.MaximumNArgs(1),
		Run:   watch,
	}
)

func RegisterCommands(root *cobra.Command) {
	addr := os.Getenv("STRATA_SERVER")
	if addr == "" {
		addr = "http://localhost:5051"
	}
	root.PersistentFlags().StringVar(&server, "server", addr, "strata server address")
	root.PersistentFlags().StringVar(&caCertPath, "ca-cert", "", "path to ca certificate")
	root.PersistentFlags().StringVar(&clientCertPath, "client-cert", "", "path to client certificate")
	root.PersistentFlags().StringVar(&clientKeyPath, "client-key", "", "path to client key")

	dbCreateCmd.Flags().StringVarP(&file, "file", "f", "", "Path to JSON/YAML file")
	dbCreateCmd.MarkFlagRequired("file")
	dbCmd.AddCommand(dbCreateCmd)
	dbCmd.AddCommand(dbLsCmd)
	dbCmd.AddCommand(dbInfoCmd)
	dbCmd.AddCommand(dbRmCmd)

	putCmd.Flags().StringVarP(&file, "file", "f", "", "Path to JSON/YAML file")
	scanCmd.Flags().IntVar(&scanLimit, "limit", 0, "cap the result")
	scanCmd.Flags().BoolVar(&scanReverse, "reverse", false, "descending key order")

	root.AddCommand(dbCmd)
	root.AddCommand(putCmd)
	root.AddCommand(getCmd)
	root.AddCommand(editCmd)
	root.AddCommand(delCmd)
	root.AddCommand(scanCmd)
	root.AddCommand(countCmd)
	root.AddCommand(watchCmd)
}

func getClient() (*Client, error) {
	var opts []Option
	if clientCertPath != "" {
		opts = append(opts, WithTLS(caCertPath, clientCertPath, clientKeyPath))
	}
	client, err := New(server, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %v", err)
	}
	return client, nil
}

// parseFile reads one or more yaml documents, separated by ---, each a
// database declaration.
func parseFile(file string) ([]api.CreateDatabaseRequest, error) {
	var data []byte
	var err error

	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %v", err)
	}

	docs := strings.Split(string(data), "---\n")
	var reqs []api.CreateDatabaseRequest

	for _, doc := range docs {
		if strings.TrimSpace(doc) == "" {
			continue
		}
		var req api.CreateDatabaseRequest
		if err := yaml.Unmarshal([]byte(doc), &req); err != nil {
			return nil, fmt.Errorf("failed to parse document: %v", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func splitRecordPath(arg string) (db, store, key string) {
	parts := strings.SplitN(arg, "/", 3)
	if len(parts) != 3 {
		log.Fatal("Invalid path. Expected db/store/key")
	}
	return parts[0], parts[1], parts[2]
}

func splitStorePath(arg string) (db, store string) {
	parts := strings.SplitN(arg, "/", 2)
	if len(parts) != 2 {
		log.Fatal("Invalid path. Expected db/store")
	}
	return parts[0], parts[1]
}

func dbCreate(cmd *cobra.Command, args []string) {
	reqs, err := parseFile(file)
	if err != nil {
		log.Fatal(err)
	}

	client, err := getClient()
	if err != nil {
		log.Fatal(err)
	}

	for _, req := range reqs {
		info, err := client.CreateDatabase(context.Background(), req)
		if err != nil {
			log.Fatalf("Failed to create database: %v", err)
		}
		fmt.Printf("%s@%d %s\n", info.Name, info.Version, strings.Join(info.Stores, " "))
	}
}

func dbLs(cmd *cobra.Command, args []string) {
	client, err := getClient()
	if err != nil {
		log.Fatal(err)
	}
	infos, err := client.Databases(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	for _, info := range infos {
		fmt.Printf("%s@%d\n", info.Name, info.Version)
	}
}

func dbInfo(cmd *cobra.Command, args []string) {
	client, err := getClient()
	if err != nil {
		log.Fatal(err)
	}
	info, err := client.Database(context.Background(), args[0])
	if err != nil {
		log.Fatal(err)
	}
	enc, err := yaml.Marshal(info)
	if err != nil {
		log.Fatal(err)
	}
	os.Stdout.Write(enc)
}

func dbRm(cmd *cobra.Command, args []string) {
	client, err := getClient()
	if err != nil {
		log.Fatal(err)
	}
	if err := client.DeleteDatabase(context.Background(), args[0]); err != nil {
		log.Fatal(err)
	}
}

func recordBody(args []string) ([]byte, error) {
	if file != "" {
		var data []byte
		var err error
		if file == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(file)
		}
		if err != nil {
			return nil, err
		}
		// yaml in, json out. json passes through unchanged.
		return yaml.YAMLToJSON(data)
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("record value missing, pass it as an argument or with -f")
	}
	return []byte(args[1]), nil
}

func put(cmd *cobra.Command, args []string) {
	db, store, key := splitRecordPath(args[0])

	body, err := recordBody(args)
	if err != nil {
		log.Fatal(err)
	}

	client, err := getClient()
	if err != nil {
		log.Fatal(err)
	}

	path, err := client.Put(context.Background(), db, store, key, json.RawMessage(body))
	if err != nil {
		log.Fatalf("Failed to put record: %v", err)
	}
	fmt.Println(path)
}

func get(cmd *cobra.Command, args []string) {
	db, store, key := splitRecordPath(args[0])

	client, err := getClient()
	if err != nil {
		log.Fatal(err)
	}

	raw, err := client.Get(context.Background(), db, store, key)
	if err != nil {
		log.Fatalf("Failed to get record: %v", err)
	}
	if raw == nil {
		log.Fatalf("not found: %s", args[0])
	}

	enc, err := yaml.JSONToYAML(raw)
	if err != nil {
		log.Fatalf("Failed to encode as YAML: %v", err)
	}
	os.Stdout.Write(enc)
}

func del(cmd *cobra.Command, args []string) {
	db, store, key := splitRecordPath(args[0])

	client, err := getClient()
	if err != nil {
		log.Fatal(err)
	}
	if err := client.Delete(context.Background(), db, store, key); err != nil {
		log.Fatalf("Failed to delete record: %v", err)
	}
}

func scan(cmd *cobra.Command, args []string) {
	db, store := splitStorePath(args[0])

	q := ScanQuery{Limit: scanLimit, Reverse: scanReverse}
	if len(args) > 1 {
		q.Range = args[1]
	}

	client, err := getClient()
	if err != nil {
		log.Fatal(err)
	}
	records, err := client.Scan(context.Background(), db, store, q)
	if err != nil {
		log.Fatalf("Failed to scan: %v", err)
	}
	for _, r := range records {
		fmt.Printf("%s/%s/%s\n", db, store, r.Key)
	}
}

func count(cmd *cobra.Command, args []string) {
	db, store := splitStorePath(args[0])

	var rng string
	if len(args) > 1 {
		rng = args[1]
	}

	client, err := getClient()
	if err != nil {
		log.Fatal(err)
	}
	n, err := client.Count(context.Background(), db, store, rng)
	if err != nil {
		log.Fatalf("Failed to count: %v", err)
	}
	fmt.Println(n)
}

func watch(cmd *cobra.Command, args []string) {
	var subject string
	if len(args) > 0 {
		subject = args[0]
	}

	client, err := getClient()
	if err != nil {
		log.Fatal(err)
	}
	ch, cancel, err := client.Watch(context.Background(), subject)
	if err != nil {
		log.Fatalf("Failed to watch: %v", err)
	}
	defer cancel()

	for change := range ch {
		fmt.Printf("%s %s/%s/%s\n", change.Op, change.DB, change.Store, change.Key)
	}
}

func edit(cmd *cobra.Command, args []string) {
	db, store, key := splitRecordPath(args[0])

	client, err := getClient()
	if err != nil {
		log.Fatal(err)
	}

	// Get the record first
	raw, err := client.Get(context.Background(), db, store, key)
	if err != nil {
		log.Fatalf("Failed to get record: %v", err)
	}
	if raw == nil {
		log.Fatalf("not found: %s", args[0])
	}

	// Create temporary file
	tmpfile, err := os.CreateTemp("", "strata-edit-*.yaml")
	if err != nil {
		log.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	enc, err := yaml.JSONToYAML(raw)
	if err != nil {
		log.Fatal(err)
	}
	tmpfile.Write(enc)
	tmpfile.Close()

	// Get file info for later comparison
	originalInfo, err := os.Stat(tmpfile.Name())
	if err != nil {
		log.Fatal(err)
	}

	// Open editor
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vim"
	}
	cmd2 := exec.Command(editor, tmpfile.Name())
	cmd2.Stdin = os.Stdin
	cmd2.Stdout = os.Stdout
	cmd2.Stderr = os.Stderr
	if err := cmd2.Run(); err != nil {
		log.Fatal(err)
	}

	// Check if file was modified
	newInfo, err := os.Stat(tmpfile.Name())
	if err != nil {
		log.Fatal(err)
	}
	if newInfo.ModTime() == originalInfo.ModTime() {
		fmt.Println("Edit cancelled, no changes made")
		return
	}

	edited, err := os.ReadFile(tmpfile.Name())
	if err != nil {
		log.Fatal(err)
	}
	body, err := yaml.YAMLToJSON(edited)
	if err != nil {
		log.Fatal(err)
	}

	path, err := client.Put(context.Background(), db, store, key, json.RawMessage(body))
	if err != nil {
		log.Fatalf("Failed to put record: %v", err)
	}
	fmt.Println(path)
}
