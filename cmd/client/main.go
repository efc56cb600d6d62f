package main

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gfs"
	"gfs/client"
)

var masterAddr string

func main() {
	root := &cobra.Command{
		Use:   "gfs-client",
		Short: "Command-line driver for a GFS-style cluster",
	}
	root.PersistentFlags().StringVar(&masterAddr, "master", "127.0.0.1:9001", "master address")

	root.AddCommand(
		createCmd(),
		mkdirCmd(),
		deleteCmd(),
		lsCmd(),
		catCmd(),
		writeCmd(),
		appendCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newClient() *client.Client {
	return client.NewClient(gfs.ServerAddress(masterAddr))
}

func createCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <path>",
		Short: "create a file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := newClient().Create(gfs.Path(args[0])); err != nil {
				log.Fatal(err)
			}
		},
	}
}

func mkdirCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <path>",
		Short: "create a directory",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := newClient().Mkdir(gfs.Path(args[0])); err != nil {
				log.Fatal(err)
			}
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <path>",
		Short: "delete a file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := newClient().Delete(gfs.Path(args[0])); err != nil {
				log.Fatal(err)
			}
		},
	}
}

func lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <path>",
		Short: "list a directory",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			files, err := newClient().List(gfs.Path(args[0]))
			if err != nil {
				log.Fatal(err)
			}
			for _, f := range files {
				kind := "file"
				if f.IsDir {
					kind = "dir"
				}
				fmt.Printf("%-5s %8d  %s\n", kind, f.Length, f.Path)
			}
		},
	}
}

func catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "print a file's contents to stdout",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			c := newClient()
			buf := make([]byte, 1<<20)
			var offset gfs.Offset
			for {
				n, err := c.Read(gfs.Path(args[0]), offset, buf)
				if n > 0 {
					os.Stdout.Write(buf[:n])
					offset += gfs.Offset(n)
				}
				if err == io.EOF {
					break
				}
				if err != nil {
					log.Fatal(err)
				}
			}
		},
	}
}

func writeCmd() *cobra.Command {
	var offset int64
	cmd := &cobra.Command{
		Use:   "write <path>",
		Short: "write stdin to a file at an offset",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				log.Fatal(err)
			}
			if err := newClient().Write(gfs.Path(args[0]), gfs.Offset(offset), data); err != nil {
				log.Fatal(err)
			}
		},
	}
	cmd.Flags().Int64Var(&offset, "offset", 0, "byte offset to write at")
	return cmd
}

func appendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "append <path>",
		Short: "atomically append stdin to a file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				log.Fatal(err)
			}
			offset, err := newClient().Append(gfs.Path(args[0]), data)
			if err != nil {
				log.Fatal(err)
			}
			fmt.Printf("appended at offset %d\n", offset)
		},
	}
}
