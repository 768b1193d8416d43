// app.go — команды CLI chankeeper (urfave/cli).
package main

import (
	"github.com/urfave/cli"

	"github.com/bigkaa/chankeeper/internal/config"
)

var (
	runSourceID int64

	sourceName string
	sourceURL  string
	sourceCap  int

	runOnceFlags = []cli.Flag{
		cli.Int64Flag{
			Name:        "source, s",
			Usage:       "загрузить только указанный источник (по умолчанию: все включённые)",
			Destination: &runSourceID,
		},
	}

	sourceAddFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "name, n",
			Usage:       "имя источника",
			Destination: &sourceName,
		},
		cli.StringFlag{
			Name:        "url, u",
			Usage:       "URL канала или плейлиста",
			Destination: &sourceURL,
		},
		cli.IntFlag{
			Name:        "cap, c",
			Usage:       "сколько последних элементов хранить на диске",
			Value:       10,
			Destination: &sourceCap,
		},
	}
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "chankeeper"
	app.HelpName = "chankeeper"
	app.Usage = "оркестратор загрузок медиа-источников"
	app.UsageText = "chankeeper [command] [arguments...]"
	app.Version = config.Version
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "запустить HTTP API и планировщик (по умолчанию)",
			Action: serve,
		},
		{
			Name:   "migrate",
			Usage:  "применить миграции хранилища состояния",
			Action: migrateCmd,
		},
		{
			Name:   "run-once",
			Usage:  "выполнить один проход загрузки и выйти",
			Action: runOnce,
			Flags:  runOnceFlags,
		},
		{
			Name:   "reap",
			Usage:  "снять зависшие блокировки задач",
			Action: reap,
		},
		{
			Name:   "status",
			Usage:  "показать состояние задачи",
			Action: status,
		},
		{
			Name:  "source",
			Usage: "управление источниками",
			Subcommands: []cli.Command{
				{
					Name:   "add",
					Usage:  "зарегистрировать источник",
					Action: sourceAdd,
					Flags:  sourceAddFlags,
				},
				{
					Name:   "list",
					Usage:  "список источников",
					Action: sourceList,
				},
			},
		},
	}
	app.Action = serve
	return app
}
