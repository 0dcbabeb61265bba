/*
Package main 读取配置文件, 通过 nfqueue 接管本机的 tcp/udp 包并按策略重定向到中继, 并选择性运行 交互模式和 apiServer.

命令行参数请使用 --help / -h 查看详情, 需要 root 或 CAP_NET_ADMIN.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/debug"

	"github.com/e1732a364fed/natcap_simple/machine"
	"github.com/e1732a364fed/natcap_simple/utils"
	"github.com/pkg/profile"
	"go.uber.org/zap"
)

var (
	configFileName   string
	startMProf       bool
	interactive_mode bool
	cmdPrintVer      bool

	mainM = machine.New()
)

const defaultLogFile = "natcap_log"

func init() {
	flag.StringVar(&configFileName, "c", machine.DefaultConfFn, "config file name")
	flag.BoolVar(&startMProf, "mp", false, "memory pprof")
	flag.BoolVar(&interactive_mode, "i", false, "enable interactive commandline mode")
	flag.BoolVar(&cmdPrintVer, "v", false, "print the version string then exit")

	flag.IntVar(&utils.LogLevel, "ll", utils.DefaultLL, "log level,0=debug, 1=info, 2=warning, 3=error, 4=fatal")
	flag.StringVar(&utils.LogOutFileName, "lf", defaultLogFile, "output file for log; If empty, no log file will be used.")

	mainM.ApiServerConf.SetupFlags()
}

func main() {
	os.Exit(mainFunc())
}

func mainFunc() (result int) {
	defer func() {
		if r := recover(); r != nil {
			if ce := utils.CanLogErr("Captured panic!"); ce != nil {
				ce.Write(
					zap.Any("err:", r),
					zap.String("stacktrace", string(debug.Stack())),
				)
			}
			log.Println("panic captured!", r, "\n", string(debug.Stack()))

			result = -3
			mainM.Stop()
		}
	}()

	utils.ParseFlags()

	if cmdPrintVer {
		printVersion_simple(os.Stdout)
		return
	}
	printVersion(os.Stdout)

	if startMProf {
		//若不使用 NoShutdownHook, 则 我们ctrl+c退出时不会产生 pprof文件
		p := profile.Start(profile.MemProfile, profile.MemProfileRate(1), profile.NoShutdownHook)
		defer p.Stop()
	}

	loadConfigErr := mainM.LoadConfig(configFileName)
	if loadConfigErr != nil {
		log.Printf("load config %q failed, %v\n", configFileName, loadConfigErr)
	}

	utils.InitLog("Program started")
	defer utils.Info("Program exited")

	if ce := utils.CanLogDebug("All Given Flags"); ce != nil {
		ce.Write(zap.Any("flags", utils.GivenFlagKVs()))
	}

	if err := mainM.Setup(); err != nil {
		if ce := utils.CanLogErr("setup has errors"); ce != nil {
			ce.Write(zap.Error(err))
		}
		if mainM.Engine == nil {
			return -1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mainM.Start(ctx); err != nil {
		if ce := utils.CanLogErr("start failed"); ce != nil {
			ce.Write(zap.Error(err))
		} else {
			log.Println("start failed", err)
		}
		if !interactive_mode && !mainM.EnableApiServer {
			return -1
		}
	}
	defer mainM.Stop()

	if mainM.EnableApiServer {
		mainM.TryRunApiServer()
	}

	if interactive_mode {
		fmt.Printf("Welcome to Interactive Mode, you can manage relays and policies here.\n")
		go func() {
			runCli()
			if !mainM.IsRunning() && !mainM.ApiServerRunning {
				cancel()
			}
		}()
	}

	select {
	case <-utils.GetSystemKillChan():
	case <-ctx.Done():
	}
	return
}
