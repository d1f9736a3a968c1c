package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/pdok/tilepyramid/reproject"
)

// job is the content of a reprojection job file.
type job struct {
	Table         string `mapstructure:"table"`
	TargetTable   string `mapstructure:"targetTable"`
	SRS           int    `mapstructure:"srs"`
	Optimize      string `mapstructure:"optimize"`
	TileWidth     int    `mapstructure:"tileWidth"`
	TileHeight    int    `mapstructure:"tileHeight"`
	SourceZoom    *int   `mapstructure:"sourceZoom"`
	Zooms         []int  `mapstructure:"zooms"`
	Format        string `mapstructure:"format"`
	Interpolation string `mapstructure:"interpolation"`
}

func loadJob(file string) (job, error) {
	var j job
	v := viper.New()
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return j, fmt.Errorf("error reading job file %s: %w", file, err)
	}
	if err := v.Unmarshal(&j); err != nil {
		return j, fmt.Errorf("error decoding job file %s: %w", file, err)
	}
	return j, nil
}

// jobOptions combines the job file, when given, with the flags. Flags that are set win.
func jobOptions(c *cli.Context) (reproject.Options, error) {
	var j job
	if file := c.String(CONFIG); file != "" {
		var err error
		if j, err = loadJob(file); err != nil {
			return reproject.Options{}, err
		}
	}
	if c.IsSet(TABLE) || j.Table == "" {
		j.Table = c.String(TABLE)
	}
	if c.IsSet(TARGETTABLE) {
		j.TargetTable = c.String(TARGETTABLE)
	}
	if c.IsSet(SRS) {
		j.SRS = c.Int(SRS)
	}
	if c.IsSet(OPTIMIZE) {
		j.Optimize = c.String(OPTIMIZE)
	}
	if c.IsSet(TILEWIDTH) {
		j.TileWidth = c.Int(TILEWIDTH)
	}
	if c.IsSet(TILEHEIGHT) {
		j.TileHeight = c.Int(TILEHEIGHT)
	}
	if c.IsSet(SOURCEZOOM) {
		z := c.Int(SOURCEZOOM)
		j.SourceZoom = &z
	}
	if c.IsSet(ZOOMS) {
		j.Zooms = nil
		if err := json.Unmarshal([]byte(c.String(ZOOMS)), &j.Zooms); err != nil {
			return reproject.Options{}, fmt.Errorf("zoom levels %q: %w", c.String(ZOOMS), err)
		}
	}
	if c.IsSet(FORMAT) || j.Format == "" {
		j.Format = c.String(FORMAT)
	}
	if c.IsSet(INTERPOLATION) || j.Interpolation == "" {
		j.Interpolation = c.String(INTERPOLATION)
	}
	return j.options(), nil
}

func (j job) options() reproject.Options {
	return reproject.Options{
		SourceTable:   j.Table,
		TargetTable:   j.TargetTable,
		TargetSRSID:   j.SRS,
		Optimize:      j.Optimize,
		TileWidth:     j.TileWidth,
		TileHeight:    j.TileHeight,
		SourceZoom:    j.SourceZoom,
		Zooms:         j.Zooms,
		Format:        j.Format,
		Interpolation: j.Interpolation,
	}
}
