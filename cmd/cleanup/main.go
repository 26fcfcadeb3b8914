package main

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containerd/cgroups"
	"github.com/sirupsen/logrus"

	"github.com/ict/ebb/pkg/stringx"
)

const mqueueDir = "/dev/mqueue"

// UnlinkLines removes every interrupt line a dead daemon left behind.
// Posix queues outlive their owner, so a crashed serve run keeps its
// lines visible under /dev/mqueue until someone unlinks them.
func UnlinkLines() {
	if _, err := os.Stat(mqueueDir); os.IsNotExist(err) {
		fmt.Printf("%s not exist\n", mqueueDir)
		return
	}

	files, err := ioutil.ReadDir(mqueueDir)
	if err != nil {
		log.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, file := range files {
		if !strings.HasPrefix(file.Name(), "ebb.") {
			continue
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			fmt.Println("try to unlink line ", name, " ...")
			if err := os.Remove(filepath.Join(mqueueDir, name)); err != nil {
				fmt.Println("unlink failed ", err)
			}
		}(file.Name())
	}
	wg.Wait()
}

// DeleteCgroup drops the accounting cgroup if a previous run created it.
func DeleteCgroup(path string) {
	control, err := cgroups.Load(cgroups.V1, cgroups.StaticPath(path))
	if err != nil {
		fmt.Println(stringx.Concat("cgroup ", path, " not loaded, "), err)
		return
	}
	fmt.Println("try to delete cgroup ", path, " ...")
	if err := control.Delete(); err != nil {
		fmt.Println("delete failed ", err)
	}
}

func main() {
	logrus.SetLevel(logrus.DebugLevel)

	UnlinkLines()
	DeleteCgroup("/ebb")
}
