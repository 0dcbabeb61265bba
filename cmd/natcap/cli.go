package main

import (
	"fmt"
	"os"

	"github.com/asaskevich/govalidator"
	"github.com/e1732a364fed/natcap_simple/machine"
	"github.com/e1732a364fed/natcap_simple/netLayer"
	"github.com/e1732a364fed/natcap_simple/utils"
	"github.com/manifoldco/promptui"
)

type CliCmd struct {
	Name string
	F    func()
}

func (cc CliCmd) String() string {
	return cc.Name
}

var cliCmdList = []CliCmd{
	{"打印当前状态", func() {
		mainM.PrintAllState(os.Stdout)
	}},
	{"列出中继", func() {
		utils.PrintStr(mainM.Pool.String())
	}},
	{"添加中继", interactively_addRelay},
	{"删除中继", interactively_removeRelay},
	{"清空中继", func() {
		mainM.CleanRelays()
		fmt.Printf("已清空\n")
	}},
	{"添加策略", func() { interactively_editPolicy(true) }},
	{"删除策略", func() { interactively_editPolicy(false) }},
	{"开关重定向", interactively_toggle},
	{"调节日志等级", interactively_adjust_loglevel},
}

// 交互式命令行用户界面
//
// 阻塞，可按ctrl+C退出或回退到上一级
func runCli() {
	defer func() {
		fmt.Printf("Interactive Mode exited. \n")
		if ce := utils.CanLogInfo("Interactive Mode exited"); ce != nil {
			ce.Write()
		}
	}()

	for {
		Select := promptui.Select{
			Label: "请选择想执行的功能",
			Items: cliCmdList,
		}

		i, result, err := Select.Run()

		if err != nil {
			fmt.Printf("Prompt failed %v\n", err)
			return
		}

		fmt.Printf("你选择了 %s\n", result)

		if f := cliCmdList[i].F; f != nil {
			f()
		}
	}
}

func interactively_addRelay() {
	prompt := promptui.Prompt{
		Label:    "输入中继地址 (ip:port, 可加 -e 要求加密, 端口0表示沿用目标端口)",
		Validate: machine.ValidateRelayStr,
	}
	result, err := prompt.Run()
	if err != nil {
		fmt.Printf("Prompt failed %v\n", err)
		return
	}
	if err = mainM.AddRelay(result); err != nil {
		fmt.Printf("添加失败, %v\n", err)
		return
	}
	fmt.Printf("添加成功, 当前共 %d 个中继\n", mainM.Pool.Len())
}

func interactively_removeRelay() {
	list := mainM.ListRelays()
	if len(list) == 0 {
		fmt.Printf("中继池为空\n")
		return
	}
	Select := promptui.Select{
		Label: "请选择要删除的中继",
		Items: list,
	}
	i, result, err := Select.Run()
	if err != nil {
		fmt.Printf("Prompt failed %v\n", err)
		return
	}
	if err = mainM.RemoveRelay(list[i].String()); err != nil {
		fmt.Printf("删除失败, %v\n", err)
		return
	}
	fmt.Printf("已删除 %s\n", result)
}

func validIPOrCIDR(s string) bool {
	return govalidator.IsIPv4(s) || govalidator.IsCIDR(s)
}

func interactively_editPolicy(add bool) {
	sets := []string{netLayer.SetRedirect, netLayer.SetUDPRedirect, netLayer.SetKnownGood}
	Select := promptui.Select{
		Label: "请选择集合",
		Items: sets,
	}
	i, _, err := Select.Run()
	if err != nil {
		fmt.Printf("Prompt failed %v\n", err)
		return
	}

	prompt := promptui.Prompt{
		Label:    "输入 ip 或 网段",
		Validate: utils.WrapFuncForPromptUI(validIPOrCIDR),
	}
	result, err := prompt.Run()
	if err != nil {
		fmt.Printf("Prompt failed %v\n", err)
		return
	}

	if add {
		err = mainM.AddPolicy(sets[i], result)
	} else {
		err = mainM.DelPolicy(sets[i], result)
	}
	if err != nil {
		fmt.Printf("失败, %v\n", err)
		return
	}
	fmt.Printf("成功\n")
}

func interactively_toggle() {
	if mainM.Engine == nil {
		fmt.Printf("尚未初始化\n")
		return
	}
	on := !mainM.Engine.Enabled()
	mainM.SetEnabled(on)
	fmt.Printf("重定向 已%s\n", map[bool]string{true: "开启", false: "关闭"}[on])
}

func interactively_adjust_loglevel() {
	fmt.Println("当前日志等级为：", utils.LogLevelStr(utils.LogLevel))

	list := utils.LogLevelStrList()
	Select := promptui.Select{
		Label: "请选择你调节为点loglevel",
		Items: list,
	}

	i, result, err := Select.Run()

	if err != nil {
		fmt.Printf("Prompt failed %v\n", err)
		return
	}

	fmt.Printf("你选择了 %s\n", result)

	if i < len(list) && i >= 0 {
		utils.LogLevel = i
		utils.InitLog("")

		fmt.Printf("调节 日志等级完毕. 现在等级为 %s\n", list[i])
	}
}
