package cmd

import (
	"github.com/go-errors/errors"
	"github.com/spf13/cobra"

	"github.com/votoseguro/urnago/internal/common"
	"github.com/votoseguro/urnago/server/urnaserver"
)

var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Manage the member registry",
}

var memberAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register or update a member",
	Run: func(command *cobra.Command, args []string) {
		flags := command.Flags()
		dbPath, _ := flags.GetString("db-path")
		if dbPath == "" {
			die("", errors.New("--db-path is required"))
		}
		member := &urnaserver.Member{}
		member.ID, _ = flags.GetString("id")
		member.Name, _ = flags.GetString("name")
		member.NationalID, _ = flags.GetString("national-id")
		member.Eligible, _ = flags.GetBool("eligible")
		if member.ID == "" || member.Name == "" {
			die("", errors.New("--id and --name are required"))
		}

		registry, err := urnaserver.OpenRegistry(dbPath)
		if err != nil {
			die("", errors.WrapPrefix(err, "Failed to open registry", 0))
		}
		defer common.Close(registry)
		if err = registry.PutMember(member); err != nil {
			die("", errors.WrapPrefix(err, "Failed to store member", 0))
		}
	},
}

func init() {
	RootCmd.AddCommand(memberCmd)
	memberCmd.AddCommand(memberAddCmd)

	flags := memberAddCmd.Flags()
	flags.String("db-path", "", "path of the member registry database")
	flags.String("id", "", "member ID")
	flags.String("name", "", "member display name")
	flags.String("national-id", "", "national ID number (11 digits)")
	flags.Bool("eligible", true, "whether the member may vote")
}
