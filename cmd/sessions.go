package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/treefix50/playsync/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "list persisted playback sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		snapshots, err := db.ListSessions(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tVIDEO\tTIME\tSPEED\tVOLUME\tVERSION\tUPDATED")
		for _, s := range snapshots {
			rec, err := session.Unmarshal(s.StateJSON)
			if err != nil {
				log.Error(err, "skipping undecodable session", "user_id", s.UserID, "video_id", s.VideoID)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%.2f\t%d\t%s\n",
				s.UserID, s.VideoID, rec.CurrentTime, rec.PlaybackSpeed, rec.Volume, rec.Version,
				rec.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}
