package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gfs"
	"gfs/chunkserver"
)

var (
	ip         string
	port       int
	masterAddr string
	path       string
)

func main() {
	root := &cobra.Command{
		Use:   "gfs-chunkserver",
		Short: "Run a GFS-style chunkserver",
		Run:   runChunkServer,
	}

	root.Flags().StringVar(&ip, "ip", "127.0.0.1", "address to listen on")
	root.Flags().IntVar(&port, "port", 0, "port to listen on")
	root.Flags().StringVar(&masterAddr, "master", "127.0.0.1:9001", "master address")
	root.Flags().StringVar(&path, "path", "", "directory for chunk data (default temp/ck<port>)")

	if err := root.MarkFlagRequired("port"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runChunkServer(cmd *cobra.Command, args []string) {
	if path == "" {
		path = fmt.Sprintf("temp/ck%d", port)
	}
	addr := gfs.ServerAddress(fmt.Sprintf("%s:%d", ip, port))
	chunkserver.NewAndServe(addr, gfs.ServerAddress(masterAddr), path)
	log.Infof("chunkserver listening on %v, master %v", addr, masterAddr)
	select {}
}
