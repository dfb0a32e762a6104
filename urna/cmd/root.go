package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	urna "github.com/votoseguro/urnago"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "urna",
	Short: "urnago election toolkit",
	Long:  `urnago election toolkit`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print urna version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("urna")
			fmt.Println("Version: ", urna.Version)
			fmt.Println("OS/Arch: ", runtime.GOOS+"/"+runtime.GOARCH)
		},
	})
}

func die(message string, err error) {
	var m string
	if message != "" {
		m = message + ": "
	}
	if err != nil {
		m = m + err.Error()
	}
	fmt.Println(m)
	os.Exit(1)
}
