// 版权所有 2025 GuardFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 moderation 为分类检测器提供打分后端。

# 后端

  - openai_moderation：OpenAI Moderation API，每个审核类别作为一个标签
  - hf_text_classification：序列分类服务（HF pipeline / KServe），请求体
    {"inputs": text}，兼容扁平与批量两种响应格式

所有后端都可以接入 resilience.Guard 进行熔断与重试。
*/
package moderation
