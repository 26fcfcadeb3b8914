package raise

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ict/ebb/pkg/interfaces"
	"github.com/ict/ebb/pkg/irqline"
)

var (
	lineParam  string
	classParam string
	countParam int
)

var RaiseCmd = &cobra.Command{
	Use:   "raise",
	Short: "Raise interrupt vectors on a line",
	Long:  `Raise interrupt vectors on a line served by a running ebb daemon.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := raiseRun(); err != nil {
			logrus.Fatal(err)
		}
	},
}

func init() {
	RaiseCmd.Flags().StringVarP(&lineParam, "line", "l", "ebb.line0", "the interrupt line to raise on")
	RaiseCmd.Flags().StringVarP(&classParam, "class", "c", "", "the class to raise")
	RaiseCmd.Flags().IntVarP(&countParam, "count", "n", 1, "how many times to raise the class")
}

func raiseRun() error {
	class := interfaces.ParseClass(classParam)
	if class == interfaces.INVALID {
		return errors.Errorf("unknown class, `%s`", classParam)
	}
	if countParam < 1 {
		return errors.Errorf("count must be positive, got %d", countParam)
	}

	line, err := irqline.Attach(lineParam)
	if err != nil {
		return err
	}
	defer line.Close()

	if err := line.Send(irqline.FormatVector(class, countParam)); err != nil {
		return errors.Wrap(err, "failed to send the vector")
	}

	fmt.Printf("raised %s x%d on %s\n", class, countParam, lineParam)
	return nil
}
