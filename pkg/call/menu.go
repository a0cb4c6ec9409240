package call

import (
	"context"
	"strconv"

	"github.com/arzzra/soft_pbx/pkg/rtp_relay"
)

// menuLoop цикл меню соединенного звонка. Ожидание цифры ограничено
// таймаутом простоя, весь цикл ограничен сроком звонка.
func (c *Core) menuLoop(call *Call) {
	ctx, cancel := context.WithDeadline(call.ctx, call.deadline)
	defer cancel()
	go func() {
		select {
		case <-call.relay.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	state := MenuState{CallID: call.id, From: call.from, To: call.to}
	action, err := c.menu.Enter(ctx, state)
	for {
		if err != nil {
			call.logger.WithError(err).Error("ошибка обработчика меню")
			call.end(ReasonMenuError)
			return
		}
		if reason, stop := c.apply(ctx, call, &state, action); stop {
			call.end(reason)
			return
		}
		if ctx.Err() != nil {
			c.endOnContext(call)
			return
		}

		digit, ok := call.digits.NextDigit(ctx, c.cfg.MenuIdleTimeout)
		if !ok {
			if ctx.Err() != nil {
				c.endOnContext(call)
			} else {
				call.end(ReasonIdleTimeout)
			}
			return
		}
		state.Digits = append(state.Digits, digit)
		action, err = c.menu.HandleDigit(ctx, state, digit)
	}
}

// endOnContext определяет причину после отмены контекста меню
func (c *Core) endOnContext(call *Call) {
	switch {
	case call.ctx.Err() != nil:
		// причина уже записана тем, кто завершил звонок
	case call.relay.Err() != nil:
		call.logger.WithError(call.relay.Err()).Error("ошибка реле")
		call.end(ReasonRelayError)
	default:
		call.end(ReasonSessionTimeout)
	}
}

// apply выполняет действие обработчика. stop == true завершает звонок с
// причиной reason.
func (c *Core) apply(ctx context.Context, call *Call, state *MenuState, a Action) (reason EndReason, stop bool) {
	if a.Node != "" && a.Node != state.Node {
		state.Node = a.Node
		state.Digits = nil
	}

	switch a.Kind {
	case ActionPlay:
		c.play(ctx, call, a.Prompt)
	case ActionTransfer:
		if c.transfer(ctx, call, a.Target) {
			return ReasonTransfer, true
		}
	case ActionHangup:
		return ReasonLocalHangup, true
	case ActionContinue, "":
	default:
		call.logger.WithField("action", a.Kind).Warn("неизвестное действие меню")
	}
	return "", false
}

func (c *Core) play(ctx context.Context, call *Call, prompt string) {
	pt, ok := call.audioPayloadType()
	if !ok {
		call.logger.Warn("нет аудио кодека для подсказки")
		return
	}
	frames, err := c.prompts.Frames(prompt, pt)
	if err != nil {
		call.logger.WithError(err).WithField("prompt", prompt).Warn("подсказка не найдена")
		return
	}

	params := rtp_relay.PlayParams{PayloadType: pt, Fanout: call.flow == FlowPaging}
	if err := call.relay.Play(ctx, frames, params); err != nil && ctx.Err() == nil {
		call.logger.WithError(err).WithField("prompt", prompt).Warn("подсказка не проиграна")
	}
}

func (c *Core) transfer(ctx context.Context, call *Call, target string) bool {
	log := call.logger.WithField("target", target)
	if c.signaler == nil {
		log.Warn("перевод невозможен без Signaler")
		return false
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.SignalTimeout)
	defer cancel()
	if err := c.signaler.Transfer(sctx, call.id, target); err != nil {
		log.WithError(err).Warn("перевод не выполнен")
		return false
	}
	c.records.addMetadata(call.id, "transfer_target", target)
	log.Info("звонок переведен")
	return true
}

// audioPayloadType первый согласованный аудио кодек
func (c *Call) audioPayloadType() (uint8, bool) {
	dtmfToken := strconv.Itoa(int(c.negotiated.DTMFPayloadType))
	for _, token := range c.negotiated.Codecs {
		if token == dtmfToken {
			continue
		}
		pt, err := strconv.ParseUint(token, 10, 8)
		if err != nil {
			continue
		}
		return uint8(pt), true
	}
	return 0, false
}

