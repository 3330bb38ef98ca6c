package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/wegman-software/citytiles-go/internal/tileid"
)

var (
	tileIDMethod string
	tileIDXYZ    bool
)

var tileIDCmd = &cobra.Command{
	Use:   "tileid",
	Short: "Convert between tile coordinates and tile ids",
	Long: `Convert between zoom/x/y tile coordinates and the 64-bit tile ids used
for sorting and in the tile manifest. Rows are counted from the south (TMS)
unless --xyz is given.`,
}

var tileIDEncodeCmd = &cobra.Command{
	Use:   "encode <z> <x> <y>",
	Short: "Print the id of a tile",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, err := tileid.ParseMethod(tileIDMethod)
		if err != nil {
			return err
		}
		var coords [3]uint64
		for i, arg := range args {
			v, err := strconv.ParseUint(arg, 10, 32)
			if err != nil {
				return fmt.Errorf("invalid tile coordinate %q: %w", arg, err)
			}
			coords[i] = v
		}
		if coords[0] > tileid.MaxZoom {
			return fmt.Errorf("%w: zoom %d exceeds %d", tileid.ErrInvalidTile, coords[0], tileid.MaxZoom)
		}
		zoom, x, y := uint8(coords[0]), uint32(coords[1]), uint32(coords[2])
		if tileIDXYZ {
			if y >= uint32(1)<<zoom {
				return fmt.Errorf("%w: %d/%d/%d", tileid.ErrInvalidTile, zoom, x, y)
			}
			y = flipY(zoom, y)
		}

		id, err := method.Encode(zoom, x, y)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var tileIDDecodeCmd = &cobra.Command{
	Use:   "decode <id>",
	Short: "Print the z/x/y coordinates of a tile id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, err := tileid.ParseMethod(tileIDMethod)
		if err != nil {
			return err
		}
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid tile id %q: %w", args[0], err)
		}

		zoom, x, y, err := method.Decode(id)
		if err != nil {
			return err
		}
		if tileIDXYZ {
			y = flipY(zoom, y)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d/%d/%d\n", zoom, x, y)
		return nil
	},
}

// flipY converts between TMS and XYZ row numbers
func flipY(zoom uint8, y uint32) uint32 {
	return uint32(1)<<zoom - 1 - y
}

func init() {
	rootCmd.AddCommand(tileIDCmd)
	tileIDCmd.AddCommand(tileIDEncodeCmd, tileIDDecodeCmd)

	tileIDCmd.PersistentFlags().StringVarP(&tileIDMethod, "method", "m", "hilbert", "Tile id order: hilbert or zorder")
	tileIDCmd.PersistentFlags().BoolVar(&tileIDXYZ, "xyz", false, "Rows are counted from the north (XYZ)")
}
