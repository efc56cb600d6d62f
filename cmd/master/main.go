package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gfs"
	"gfs/master"
)

var (
	ip       string
	port     int
	rootPath string
)

func main() {
	root := &cobra.Command{
		Use:   "gfs-master",
		Short: "Run a GFS-style master server",
		Run:   runMaster,
	}

	root.Flags().StringVar(&ip, "ip", "127.0.0.1", "address to listen on")
	root.Flags().IntVar(&port, "port", 9001, "port to listen on")
	root.Flags().StringVar(&rootPath, "root", "/tmp/gfs-master", "directory for the operation log and metadata")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMaster(cmd *cobra.Command, args []string) {
	addr := gfs.ServerAddress(fmt.Sprintf("%s:%d", ip, port))
	master.NewAndServe(addr, rootPath)
	log.Infof("master listening on %v", addr)
	select {}
}
