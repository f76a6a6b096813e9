package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/treefix50/playsync/internal/auth"
	"github.com/treefix50/playsync/internal/media"
	"github.com/treefix50/playsync/internal/storage"
)

var videoCmd = &cobra.Command{
	Use:   "video",
	Short: "manage the video catalog",
}

// ownerID resolves the --owner email to a user id.
func ownerID(cmd *cobra.Command, db *storage.Store) (string, error) {
	email, _ := cmd.Flags().GetString("owner")
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := db.GetUserByEmail(cmd.Context(), email)
	if errors.Is(err, auth.ErrUserNotFound) {
		return "", fmt.Errorf("no user with email %q", email)
	}
	if err != nil {
		return "", err
	}
	return user.ID, nil
}

var videoAddCmd = &cobra.Command{
	Use:   "add <file>",
	Short: "import a video file into the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		owner, err := ownerID(cmd, db)
		if err != nil {
			return err
		}
		svc, err := newMediaService(db)
		if err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		video, err := svc.Upload(cmd.Context(), owner, filepath.Base(args[0]), f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %s as %s\n", video.OriginalFilename, video.ID)
		return nil
	},
}

var videoListCmd = &cobra.Command{
	Use:   "list",
	Short: "list the videos a user owns",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		owner, err := ownerID(cmd, db)
		if err != nil {
			return err
		}
		videos, err := db.ListVideosByUser(cmd.Context(), owner)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILENAME\tDURATION\tUPLOADED")
		for _, v := range videos {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.ID, v.OriginalFilename, duration(v), v.UploadedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func duration(v media.Video) string {
	if v.DurationSeconds == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fs", *v.DurationSeconds)
}

func init() {
	for _, c := range []*cobra.Command{videoAddCmd, videoListCmd} {
		c.Flags().String("owner", "", "email of the owning user")
		_ = c.MarkFlagRequired("owner")
	}

	videoCmd.AddCommand(videoAddCmd, videoListCmd)
	rootCmd.AddCommand(videoCmd)
}
